package engine

import (
	"github.com/roach88/livedoc/internal/model"
)

// StreamStatus is the connection state reported to a Streamback.
type StreamStatus int

const (
	StatusConnected StreamStatus = iota + 1
	StatusDisconnected
)

func (s StreamStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Streamback receives everything a connected viewer sees.
type Streamback interface {
	OnSetupComplete(stream *CoreStream)
	Status(status StreamStatus)
	Next(data []byte)
	Failure(err error)
}

// perspective adapts a Streamback to what the document pushes.
type perspective struct {
	stream Streamback
}

func (p perspective) Data(data []byte) {
	p.stream.Next(data)
}

func (p perspective) Disconnect() {
	p.stream.Status(StatusDisconnected)
}

// CoreStream is a connected viewer. Every method hops onto the owning shard
// and answers through its callback.
type CoreStream struct {
	who      model.Principal
	document *Durable
	view     View
}

// Who returns the principal the stream belongs to.
func (s *CoreStream) Who() model.Principal {
	return s.who
}

func (s *CoreStream) run(name string, fn func(), fail func(error)) {
	if !s.document.base.Executor.Execute(name, fn) {
		fail(model.NewCodedError(model.ErrServiceShutdown, "service is shut down"))
	}
}

// Send delivers a channel message on behalf of the stream's principal.
func (s *CoreStream) Send(channel, marker string, message []byte, callback model.Callback[int64]) {
	s.run("stream-send", func() {
		s.document.Send(s.who, marker, channel, message, callback)
	}, func(err error) { callback(0, err) })
}

// Apply merges patch into the document.
func (s *CoreStream) Apply(patch []byte, callback model.Callback[int64]) {
	s.run("stream-apply", func() {
		s.document.Apply(s.who, patch, callback)
	}, func(err error) { callback(0, err) })
}

// Attach records an uploaded asset.
func (s *CoreStream) Attach(asset model.Asset, callback model.Callback[int64]) {
	s.run("stream-attach", func() {
		s.document.Attach(s.who, asset, callback)
	}, func(err error) { callback(0, err) })
}

// CanAttach asks whether the principal may attach assets.
func (s *CoreStream) CanAttach(callback model.Callback[bool]) {
	s.run("stream-can-attach", func() {
		callback(s.document.CanAttach(s.who), nil)
	}, func(err error) { callback(false, err) })
}

// Disconnect kills this view. The principal leaves the document only when
// none of its views remain.
func (s *CoreStream) Disconnect() {
	s.run("stream-disconnect", func() {
		s.view.Kill()
		if s.document.live == nil {
			return
		}
		if s.document.GarbageCollectViews(s.who) == 0 {
			s.document.Disconnect(s.who, model.DontCare[int64]())
		}
	}, func(error) {})
}
