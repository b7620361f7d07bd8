package managed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
)

// Location states.
const (
	StateUnknown   = "unknown"
	StateFinding   = "finding"
	StateRestoring = "restoring"
	StateOnMachine = "on_machine"
)

// Location events.
const (
	eventFind    = "find"
	eventRestore = "restore"
	eventFound   = "found"
	eventClaim   = "claim"
	eventReset   = "reset"
	eventLost    = "lost"
)

// Machine gates reads and writes of one key on where its bytes live.
//
// Every method must run on the Base executor. Callbacks never fire events
// themselves; looplab/fsm holds its event lock while they run.
type Machine struct {
	key  model.Key
	base *Base
	fsm  *fsm.FSM

	actions []Action
	closed  bool
	// lost is set when the directory moved the document away while this
	// machine still served it; the next write fails so the stale copy is
	// dropped by its owner.
	lost bool

	pendingWrites  int
	writesInFlight int
	cancelArchive  func()
	archiveBackoff *backoff.ExponentialBackOff
	archiveFailed  bool
}

func newMachine(key model.Key, base *Base) *Machine {
	m := &Machine{key: key, base: base}

	m.fsm = fsm.NewFSM(
		StateUnknown,
		fsm.Events{
			{Name: eventFind, Src: []string{StateUnknown}, Dst: StateFinding},
			{Name: eventRestore, Src: []string{StateFinding}, Dst: StateRestoring},
			{Name: eventFound, Src: []string{StateFinding, StateRestoring}, Dst: StateOnMachine},
			{Name: eventClaim, Src: []string{StateUnknown}, Dst: StateOnMachine},
			{Name: eventReset, Src: []string{StateFinding, StateRestoring}, Dst: StateUnknown},
			{Name: eventLost, Src: []string{StateOnMachine}, Dst: StateUnknown},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				base.metrics().ObserveTransition(e.Src, e.Dst)
				slog.Debug("location transition", "key", key.String(), "from", e.Src, "to", e.Dst)
			},
		},
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base.ArchiveRetry
	b.MaxInterval = base.ArchiveDelay
	b.MaxElapsedTime = 0
	b.Reset()
	m.archiveBackoff = b

	return m
}

// State returns the current location state.
func (m *Machine) State() string {
	return m.fsm.Current()
}

// PendingWrites returns the writes not yet covered by an archive.
func (m *Machine) PendingWrites() int {
	return m.pendingWrites
}

// ArchiveScheduled reports whether an archive timer is armed.
func (m *Machine) ArchiveScheduled() bool {
	return m.cancelArchive != nil
}

// Closed reports whether new reads and writes are refused.
func (m *Machine) Closed() bool {
	return m.closed
}

// Open accepts reads and writes again.
func (m *Machine) Open() {
	m.closed = false
}

// Close refuses new reads and writes. Work already started continues.
func (m *Machine) Close() {
	m.closed = true
}

// Lost reports whether the binding was taken away since the last access.
func (m *Machine) Lost() bool {
	return m.lost
}

// Write runs a once the document is on this machine.
func (m *Machine) Write(a Action) {
	if m.closed {
		a.Fail(model.KeyError(model.ErrWriteClosed, m.key, nil))
		return
	}
	if m.lost {
		m.lost = false
		a.Fail(model.KeyError(model.ErrWrongMachine, m.key, errBindingLost))
		return
	}
	run := a.Run
	a.Run = func() {
		m.pendingWrites++
		run()
	}
	m.gate(a, true)
}

// Read runs a once the document is on this machine.
func (m *Machine) Read(a Action) {
	if m.closed {
		a.Fail(model.KeyError(model.ErrReadClosed, m.key, nil))
		return
	}
	m.lost = false
	m.gate(a, false)
}

func (m *Machine) gate(a Action, write bool) {
	switch m.State() {
	case StateUnknown:
		m.find()
		m.actions = append(m.actions, a)
	case StateFinding, StateRestoring:
		m.actions = append(m.actions, a)
	case StateOnMachine:
		a.Run()
		if write {
			m.scheduleArchive()
		}
	}
}

// Claim records that this machine just bound a fresh document, making it
// on_machine without a find.
func (m *Machine) Claim() {
	m.lost = false
	m.pendingWrites++
	if m.State() == StateUnknown {
		m.fire(eventClaim)
	}
	if m.State() == StateOnMachine {
		m.scheduleArchive()
	}
}

func (m *Machine) fire(event string) {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		slog.Error("invalid location transition",
			"key", m.key.String(), "event", event, "state", m.State(), "error", err)
	}
}

func (m *Machine) find() {
	m.fire(eventFind)
	base := m.base
	executor.Await(base.Executor, "machine-find", func() (*data.FinderResult, error) {
		return base.Finder.Find(base.ctx, m.key)
	}, func(found *data.FinderResult, err error) {
		switch {
		case err != nil:
			m.reset(model.DetectOrWrap(model.ErrFindFailed, err))
		case found.Location == data.LocationMachine && found.OnMachine(base.Region, base.Machine):
			m.foundOnMachine()
		case found.Location == data.LocationMachine:
			m.reset(model.KeyError(model.ErrWrongMachine, m.key,
				&wrongMachine{region: found.Region, machine: found.Machine}))
		default:
			m.restore(found.Archive)
		}
	})
}

func (m *Machine) restore(archiveKey string) {
	m.fire(eventRestore)
	base := m.base
	executor.Await(base.Executor, "machine-restore", func() (struct{}, error) {
		if err := base.Data.Restore(base.ctx, m.key, archiveKey); err != nil {
			return struct{}{}, model.DetectOrWrap(model.ErrRestoreFailed, err)
		}
		// Restore is idempotent; a lost bind race only costs a redundant
		// restore.
		if err := base.Finder.Bind(base.ctx, m.key, base.Region, base.Machine); err != nil {
			return struct{}{}, model.DetectOrWrap(model.ErrBindFailed, err)
		}
		return struct{}{}, nil
	}, func(_ struct{}, err error) {
		if err != nil {
			m.reset(err)
			return
		}
		m.foundOnMachine()
	})
}

func (m *Machine) foundOnMachine() {
	m.fire(eventFound)
	actions := m.actions
	m.actions = nil
	for _, a := range actions {
		a.Run()
	}
	if m.pendingWrites > 0 {
		m.scheduleArchive()
	}
}

// reset returns to unknown and fails everything queued so the next access
// starts a fresh find.
func (m *Machine) reset(err error) {
	slog.Debug("location lookup failed", "key", m.key.String(), "state", m.State(), "error", err)
	m.fire(eventReset)
	actions := m.actions
	m.actions = nil
	for _, a := range actions {
		a.Fail(err)
	}
}

func (m *Machine) scheduleArchive() {
	if m.cancelArchive != nil {
		return
	}
	delay := m.base.ArchiveDelay
	if m.archiveFailed {
		delay = m.archiveBackoff.NextBackOff()
	}
	m.writesInFlight = m.pendingWrites
	m.cancelArchive = m.base.Executor.Schedule(m.key, "machine-archive", m.archive, delay)
}

func (m *Machine) cancelArchiveTimer() {
	if m.cancelArchive != nil {
		m.cancelArchive()
		m.cancelArchive = nil
	}
}

func (m *Machine) archive() {
	if m.State() != StateOnMachine {
		// Lost the document; the next time it lands here re-arms the timer.
		m.cancelArchive = nil
		return
	}
	base := m.base
	executor.Await(base.Executor, "machine-archive-result", func() (string, error) {
		return base.archiveTo(base.ctx, m.key)
	}, func(token string, err error) {
		m.cancelArchive = nil
		if model.IsCode(err, model.ErrWrongMachine) {
			base.metrics().ObserveArchive(metrics.ArchiveLost)
			m.loseBinding(err)
			return
		}
		if err != nil {
			base.metrics().ObserveArchive(metrics.ArchiveFailed)
			slog.Warn("archive failed, retrying", "key", m.key.String(), "error", err)
			m.archiveFailed = true
			m.scheduleArchive()
			return
		}
		base.metrics().ObserveArchive(metrics.ArchiveOK)
		slog.Debug("archived", "key", m.key.String(), "token", token)
		m.archiveFailed = false
		m.archiveBackoff.Reset()
		m.pendingWrites -= m.writesInFlight
		m.writesInFlight = 0
		if m.pendingWrites > 0 {
			m.scheduleArchive()
		}
	})
}

// loseBinding gives up a document the directory no longer records here.
// Pending writes are abandoned: another machine owns the document now.
func (m *Machine) loseBinding(err error) {
	slog.Warn("document no longer bound here, dropping local copy", "key", m.key.String(), "error", err)
	if m.State() == StateOnMachine {
		m.fire(eventLost)
	}
	m.lost = true
	m.pendingWrites = 0
	m.writesInFlight = 0
	m.archiveFailed = false
	m.archiveBackoff.Reset()
}

var errBindingLost = errors.New("directory binding was released")

type wrongMachine struct {
	region  string
	machine string
}

func (w *wrongMachine) Error() string {
	return "document is live on " + w.region + "/" + w.machine
}
