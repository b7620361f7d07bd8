package jsondoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/model"
)

// Top-level fields of a serialized document.
const (
	fieldData     = "data"
	fieldClients  = "clients"
	fieldAssets   = "assets"
	fieldMessages = "messages"
	fieldBilling  = "billing"
)

// Document is a JSON document governed by a Space.
type Document struct {
	space   *Space
	monitor engine.DocumentMonitor
	state   map[string]any
	views   []*view
	cost    int64
}

var _ engine.LivingDocument = (*Document)(nil)

// NewDocument creates an empty document in space.
func NewDocument(space *Space, monitor engine.DocumentMonitor) *Document {
	return &Document{space: space, monitor: monitor, state: map[string]any{}}
}

type view struct {
	id   uuid.UUID
	who  model.Principal
	p    engine.Perspective
	dead bool
}

func (v *view) Kill() {
	v.dead = true
}

// message is one entry of a channel's history.
type message struct {
	Who     string          `json:"who"`
	Marker  string          `json:"marker,omitempty"`
	At      int64           `json:"at"`
	Message json.RawMessage `json:"message"`
}

func clone(v map[string]any) map[string]any {
	raw, err := model.MarshalCanonical(v)
	if err != nil {
		panic(fmt.Sprintf("jsondoc: state is not JSON: %v", err))
	}
	decoded, err := model.DecodeJSON(raw)
	if err != nil {
		panic(fmt.Sprintf("jsondoc: state is not JSON: %v", err))
	}
	return decoded.(map[string]any)
}

func object(state map[string]any, field string) map[string]any {
	obj, _ := state[field].(map[string]any)
	return obj
}

// child returns state[field] as an object, creating it if needed.
func child(state map[string]any, field string) map[string]any {
	obj := object(state, field)
	if obj == nil {
		obj = map[string]any{}
		state[field] = obj
	}
	return obj
}

// prune drops an empty object field so it does not linger in storage.
func prune(state map[string]any, field string) {
	if obj := object(state, field); obj != nil && len(obj) == 0 {
		delete(state, field)
	}
}

func invalid(format string, args ...any) error {
	return model.NewCodedError(model.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Transact runs one command envelope against the document.
func (d *Document) Transact(request []byte) (*engine.Change, error) {
	req, err := model.ParseRequest(request)
	if err != nil {
		return nil, err
	}
	before := d.state
	next := clone(d.state)

	if err := d.apply(req, next); err != nil {
		return nil, err
	}
	wake := d.expireMessages(next, req.Timestamp)

	next = clone(next)
	d.state = next
	d.cost++
	if d.monitor != nil {
		d.monitor.ObserveTransaction(req.Command)
	}

	beforeJSON, err := model.MarshalCanonical(before)
	if err != nil {
		return nil, err
	}
	nextJSON, err := model.MarshalCanonical(next)
	if err != nil {
		return nil, err
	}
	redo, err := data.DiffJSON(beforeJSON, nextJSON)
	if err != nil {
		return nil, err
	}
	undo, err := data.DiffJSON(nextJSON, beforeJSON)
	if err != nil {
		return nil, err
	}
	changed := !data.IsEmptyPatch(redo)
	command := req.Command

	return &engine.Change{
		Update: data.RemoteDocumentUpdate{
			Who:                        req.Who,
			Request:                    request,
			Redo:                       redo,
			Undo:                       undo,
			RequiresFutureInvalidation: wake > 0,
			WhenToInvalidate:           wake,
		},
		Complete: func() {
			if changed || command == model.CommandInvalidate {
				d.broadcast()
			}
		},
	}, nil
}

func (d *Document) apply(req *model.Request, next map[string]any) error {
	switch req.Command {
	case model.CommandConstruct:
		raw, ok := req.Raw("arg")
		if !ok {
			raw = []byte("{}")
		}
		arg, err := model.DecodeJSON(raw)
		if err != nil {
			return invalid("arg: %v", err)
		}
		merged, err := data.Merge(d.space.Defaults(), arg)
		if err != nil {
			return invalid("arg: %v", err)
		}
		doc, ok := merged.(map[string]any)
		if !ok {
			return invalid("arg must be an object")
		}
		if err := d.space.Check(doc); err != nil {
			return err
		}
		next[fieldData] = doc

	case model.CommandConnect, model.CommandDisconnect:
		if req.Who == nil {
			return invalid("%s requires who", req.Command)
		}
		if req.Command == model.CommandConnect {
			child(next, fieldClients)[req.Who.String()] = true
		} else {
			delete(child(next, fieldClients), req.Who.String())
			prune(next, fieldClients)
		}

	case model.CommandApply:
		raw, ok := req.Raw("patch")
		if !ok {
			return invalid("apply requires patch")
		}
		patch, err := model.DecodeJSON(raw)
		if err != nil {
			return invalid("patch: %v", err)
		}
		merged, err := data.Merge(object(next, fieldData), patch)
		if err != nil {
			return invalid("patch: %v", err)
		}
		doc, ok := merged.(map[string]any)
		if !ok {
			return invalid("patch must be an object")
		}
		if err := d.space.Check(doc); err != nil {
			return err
		}
		next[fieldData] = doc

	case model.CommandSend:
		var channel, marker string
		if err := req.Field("channel", &channel); err != nil || channel == "" {
			return invalid("send requires channel")
		}
		if !d.space.AllowsChannel(channel) {
			return model.NewCodedError(model.ErrChannelNotFound, fmt.Sprintf("channel %q not found in space %s", channel, d.space.Name))
		}
		_ = req.Field("marker", &marker)
		body, ok := req.Raw("message")
		if !ok {
			return invalid("send requires message")
		}
		who := ""
		if req.Who != nil {
			who = req.Who.String()
		}
		entry, err := toAny(message{Who: who, Marker: marker, At: req.Timestamp, Message: body})
		if err != nil {
			return err
		}
		messages := child(next, fieldMessages)
		history, _ := messages[channel].([]any)
		messages[channel] = append(history, entry)

	case model.CommandAttach:
		if req.Who == nil || !d.space.AllowsAttach(*req.Who) {
			return invalid("not allowed to attach")
		}
		var asset model.Asset
		if err := req.Field("asset", &asset); err != nil || asset.ID == "" {
			return invalid("attach requires an asset with an id")
		}
		entry, err := toAny(asset)
		if err != nil {
			return err
		}
		child(next, fieldAssets)[asset.ID] = entry

	case model.CommandExpire:
		var limit int64
		if err := req.Field("limit", &limit); err != nil {
			return invalid("expire requires limit")
		}
		dropMessagesBefore(next, req.Timestamp-limit)

	case model.CommandBill:
		child(next, fieldBilling)["cost"] = d.cost + 1

	case model.CommandInvalidate:

	default:
		return invalid("unknown command %q", req.Command)
	}
	return nil
}

func toAny(v any) (any, error) {
	raw, err := model.MarshalCanonical(v)
	if err != nil {
		return nil, model.WrapError(model.ErrInvalidRequest, "encode", err)
	}
	return model.DecodeJSON(raw)
}

func messageAt(entry any) int64 {
	m, _ := entry.(map[string]any)
	switch at := m["at"].(type) {
	case json.Number:
		n, _ := at.Int64()
		return n
	case int64:
		return at
	}
	return 0
}

// dropMessagesBefore removes messages sent before cutoff.
func dropMessagesBefore(state map[string]any, cutoff int64) {
	messages := object(state, fieldMessages)
	for channel, entries := range messages {
		list, _ := entries.([]any)
		var keep []any
		for _, e := range list {
			if messageAt(e) >= cutoff {
				keep = append(keep, e)
			}
		}
		if len(keep) == 0 {
			delete(messages, channel)
		} else {
			messages[channel] = keep
		}
	}
	prune(state, fieldMessages)
}

// expireMessages applies the space's retention at now and returns how long
// until the oldest remaining message expires, or 0 if nothing is pending.
func (d *Document) expireMessages(state map[string]any, now int64) time.Duration {
	retain := d.space.Retain.Milliseconds()
	if retain <= 0 {
		return 0
	}
	dropMessagesBefore(state, now-retain)
	oldest := int64(-1)
	for _, entries := range object(state, fieldMessages) {
		list, _ := entries.([]any)
		for _, e := range list {
			if at := messageAt(e); oldest < 0 || at < oldest {
				oldest = at
			}
		}
	}
	if oldest < 0 {
		return 0
	}
	wait := oldest + retain - now
	if wait < 1 {
		wait = 1
	}
	return time.Duration(wait) * time.Millisecond
}

// broadcast pushes the current data to every live view.
func (d *Document) broadcast() {
	connected := len(object(d.state, fieldClients))
	for _, v := range d.views {
		if v.dead {
			continue
		}
		frame, err := model.MarshalCanonical(map[string]any{
			"data":      object(d.state, fieldData),
			"view":      v.id.String(),
			"who":       v.who.String(),
			"connected": connected,
		})
		if err != nil {
			continue
		}
		v.p.Data(frame)
	}
}

// SerializeAll returns the full document.
func (d *Document) SerializeAll() ([]byte, error) {
	return model.MarshalCanonical(d.state)
}

// RestoreAll replaces the document with a serialized one.
func (d *Document) RestoreAll(snapshot []byte) error {
	decoded, err := model.DecodeJSON(snapshot)
	if err != nil {
		return err
	}
	state, ok := decoded.(map[string]any)
	if !ok {
		return errors.New("document snapshot is not an object")
	}
	d.state = state
	return nil
}

// Usurp hands the views to next, which replaces d.
func (d *Document) Usurp(next engine.LivingDocument) {
	successor, ok := next.(*Document)
	if !ok {
		d.NukeViews()
		return
	}
	successor.views = append(successor.views, d.views...)
	successor.cost = d.cost
	d.views = nil
}

func (d *Document) CanRemoveFromMemory() bool {
	return len(object(d.state, fieldClients)) == 0
}

func (d *Document) IsConnected(who model.Principal) bool {
	return object(d.state, fieldClients)[who.String()] == true
}

func (d *Document) CreateView(who model.Principal, p engine.Perspective) (engine.View, error) {
	v := &view{id: uuid.New(), who: who, p: p}
	d.views = append(d.views, v)
	return v, nil
}

func (d *Document) GarbageCollectViews(who model.Principal) int {
	keep := d.views[:0]
	remaining := 0
	for _, v := range d.views {
		if v.dead {
			continue
		}
		keep = append(keep, v)
		if v.who == who {
			remaining++
		}
	}
	for i := len(keep); i < len(d.views); i++ {
		d.views[i] = nil
	}
	d.views = keep
	return remaining
}

func (d *Document) NukeViews() {
	views := d.views
	d.views = nil
	for _, v := range views {
		if !v.dead {
			v.dead = true
			v.p.Disconnect()
		}
	}
}

// ReconcileClientsToForceDisconnect lists joined clients with no live view,
// in a stable order.
func (d *Document) ReconcileClientsToForceDisconnect() []model.Principal {
	viewing := map[string]bool{}
	for _, v := range d.views {
		if !v.dead {
			viewing[v.who.String()] = true
		}
	}
	var stale []string
	for client := range object(d.state, fieldClients) {
		if !viewing[client] {
			stale = append(stale, client)
		}
	}
	sort.Strings(stale)
	out := make([]model.Principal, 0, len(stale))
	for _, client := range stale {
		at := strings.LastIndex(client, "@")
		if at < 0 {
			out = append(out, model.NewPrincipal(client, ""))
			continue
		}
		out = append(out, model.NewPrincipal(client[:at], client[at+1:]))
	}
	return out
}

func (d *Document) CanAttach(who model.Principal) bool {
	return d.space.AllowsAttach(who)
}

func (d *Document) CodeCost() int64 {
	return d.cost
}
