package jsondoc

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livedoc/internal/model"
)

// SchemaError is a problem in a space file or a document that breaks it.
type SchemaError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	se := &SchemaError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		se.Pos = positions[0]
	}
	return se
}

// Space is the compiled rule set of one namespace.
//
// cue values are not safe for concurrent use, so Check serializes on mu.
type Space struct {
	Name     string
	Channels []string
	Attach   []string
	Retain   time.Duration

	defaults map[string]any

	mu    sync.Mutex
	ctx   *cue.Context
	state cue.Value
}

// CompileSpace builds a Space from the CUE source of one namespace.
func CompileSpace(name string, src []byte, filename string) (*Space, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError("cue", err)
	}

	s := &Space{Name: name, ctx: ctx, defaults: map[string]any{}}

	s.state = v.LookupPath(cue.ParsePath("state"))
	if !s.state.Exists() {
		s.state = ctx.CompileString("{...}")
	}
	if s.state.IncompleteKind() != cue.StructKind {
		return nil, &SchemaError{Field: "state", Message: "must be a struct", Pos: s.state.Pos()}
	}

	if d := v.LookupPath(cue.ParsePath("defaults")); d.Exists() {
		if err := s.state.Unify(d).Validate(); err != nil {
			return nil, formatCUEError("defaults", err)
		}
		raw, err := d.MarshalJSON()
		if err != nil {
			return nil, formatCUEError("defaults", err)
		}
		decoded, err := model.DecodeJSON(raw)
		if err != nil {
			return nil, &SchemaError{Field: "defaults", Message: err.Error(), Pos: d.Pos()}
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, &SchemaError{Field: "defaults", Message: "must be a struct", Pos: d.Pos()}
		}
		s.defaults = obj
	}

	if c := v.LookupPath(cue.ParsePath("channels")); c.Exists() {
		if err := c.Decode(&s.Channels); err != nil {
			return nil, formatCUEError("channels", err)
		}
	}
	if a := v.LookupPath(cue.ParsePath("attach")); a.Exists() {
		if err := a.Decode(&s.Attach); err != nil {
			return nil, formatCUEError("attach", err)
		}
	}
	if r := v.LookupPath(cue.ParsePath("retain")); r.Exists() {
		text, err := r.String()
		if err != nil {
			return nil, formatCUEError("retain", err)
		}
		s.Retain, err = time.ParseDuration(text)
		if err != nil || s.Retain < 0 {
			return nil, &SchemaError{Field: "retain", Message: fmt.Sprintf("invalid duration %q", text), Pos: r.Pos()}
		}
	}
	return s, nil
}

// Check reports whether data satisfies the space's state schema.
func (s *Space) Check(data map[string]any) error {
	raw, err := model.MarshalCanonical(data)
	if err != nil {
		return model.WrapError(model.ErrInvalidRequest, "encode document", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ctx.CompileBytes(raw, cue.Filename(s.Name+".json"))
	if err := v.Err(); err != nil {
		return model.WrapError(model.ErrInvalidRequest, "document is not valid JSON", err)
	}
	if err := s.state.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return model.WrapError(model.ErrInvalidRequest, "document does not match space "+s.Name, formatCUEError("state", err))
	}
	return nil
}

// Defaults returns a copy of the construction defaults.
func (s *Space) Defaults() map[string]any {
	return clone(s.defaults)
}

// AllowsChannel reports whether send may use channel. A space without a
// channel list accepts any channel.
func (s *Space) AllowsChannel(channel string) bool {
	return len(s.Channels) == 0 || slices.Contains(s.Channels, channel)
}

// AllowsAttach reports whether who may attach assets.
func (s *Space) AllowsAttach(who model.Principal) bool {
	return len(s.Attach) == 0 || slices.Contains(s.Attach, who.Authority)
}
