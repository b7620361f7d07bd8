package model

import (
	"encoding/json"
	"fmt"
)

// Command names understood by documents.
const (
	CommandConstruct  = "construct"
	CommandInvalidate = "invalidate"
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandSend       = "send"
	CommandApply      = "apply"
	CommandAttach     = "attach"
	CommandBill       = "bill"
	CommandExpire     = "expire"
)

// Envelope accumulates the fields of one command before it is encoded.
// The first error sticks and is reported by Bytes.
type Envelope struct {
	fields map[string]any
	err    error
}

// Forge starts an envelope with the fields every command carries.
func Forge(command string, timestamp int64, who *Principal) *Envelope {
	e := &Envelope{fields: map[string]any{
		"command":   command,
		"timestamp": timestamp,
	}}
	if who != nil {
		e.fields["who"] = map[string]any{"agent": who.Agent, "authority": who.Authority}
	}
	return e
}

// Set adds a plain field.
func (e *Envelope) Set(field string, value any) *Envelope {
	e.fields[field] = value
	return e
}

// SetJSON injects a caller-supplied JSON document as a field.
func (e *Envelope) SetJSON(field string, raw []byte) *Envelope {
	if e.err != nil {
		return e
	}
	decoded, err := DecodeJSON(raw)
	if err != nil {
		e.err = NewCodedError(ErrInvalidRequest, fmt.Sprintf("field %q is not valid JSON: %v", field, err))
		return e
	}
	e.fields[field] = decoded
	return e
}

// Bytes encodes the envelope as canonical JSON.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	out, err := MarshalCanonical(e.fields)
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, "encode envelope", err)
	}
	return out, nil
}

// Request is a decoded envelope as seen by a document.
type Request struct {
	Command   string
	Timestamp int64
	Who       *Principal
	Fields    map[string]json.RawMessage
}

// ParseRequest decodes an envelope produced by Forge.
func ParseRequest(data []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, WrapError(ErrInvalidRequest, "request is not a JSON object", err)
	}
	r := &Request{Fields: fields}
	if err := r.Field("command", &r.Command); err != nil || r.Command == "" {
		return nil, NewCodedError(ErrInvalidRequest, "request has no command")
	}
	if err := r.Field("timestamp", &r.Timestamp); err != nil {
		return nil, WrapError(ErrInvalidRequest, "request timestamp", err)
	}
	if raw, ok := fields["who"]; ok {
		var who Principal
		if err := json.Unmarshal(raw, &who); err != nil {
			return nil, WrapError(ErrInvalidRequest, "request who", err)
		}
		r.Who = &who
	}
	return r, nil
}

// Field decodes a named field. A missing field leaves into untouched.
func (r *Request) Field(name string, into any) error {
	raw, ok := r.Fields[name]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, into)
}

// Raw returns a field's JSON text.
func (r *Request) Raw(name string) (json.RawMessage, bool) {
	raw, ok := r.Fields[name]
	return raw, ok
}
