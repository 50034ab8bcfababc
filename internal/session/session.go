// Package session implements the session monitor: a tri-state
// (ok/blocked/recovering) state machine for Engine credential/login
// outages, with a pluggable ticket sink and recovery probing.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three session states.
type State string

const (
	StateOK         State = "ok"
	StateBlocked    State = "blocked"
	StateRecovering State = "recovering"
)

// TicketSink is the pluggable external collaborator that owns operator
// ticket lifecycle. The monitor only needs to open a ticket, ask whether
// it is closed, and ask for it to be reopened; everything else about the
// ticketing system is out of scope.
type TicketSink interface {
	// Open creates an external ticket for the outage described by record
	// and returns an opaque reference to it.
	Open(ctx context.Context, record OutageRecord) (ticketRef string, err error)
	// IsClosed reports whether the ticket has been closed by an operator.
	IsClosed(ctx context.Context, ticketRef string) (bool, error)
	// Reopen marks a previously-closed ticket as open again, used when a
	// recovery probe fails after the ticket was closed prematurely.
	Reopen(ctx context.Context, ticketRef string) error
}

// OutageRecord describes the outage at the moment a ticket is opened.
type OutageRecord struct {
	BlockedAt time.Time
	Reason    string
}

// Prober issues a trivial Engine invocation to test whether credentials
// have been restored.
type Prober interface {
	Probe(ctx context.Context) error
}

// Snapshot is the on-disk persisted form of the state machine.
type Snapshot struct {
	State           State     `json:"state"`
	BlockedAt       time.Time `json:"blocked_at,omitempty"`
	TicketRef       string    `json:"ticket_ref,omitempty"`
	BlockedRequests []string  `json:"blocked_requests,omitempty"`
}

// Monitor is a single-writer state machine: every transition happens
// inside the lock, matching the resource-admission-gate pattern used
// elsewhere for a single-owner component with cooperating waiters.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	state           State
	blockedAt       time.Time
	ticketRef       string
	blockedRequests []string

	sink   TicketSink
	prober Prober
	log    zerolog.Logger

	persist func(Snapshot) error

	consecutiveExpiryProbes int
}

// New builds a Monitor in the ok state. persist is called after every
// transition so a restart can resume an outage; it may be nil to skip
// persistence (tests).
func New(sink TicketSink, prober Prober, log zerolog.Logger, persist func(Snapshot) error) *Monitor {
	m := &Monitor{
		state:   StateOK,
		sink:    sink,
		prober:  prober,
		log:     log.With().Str("component", "session").Logger(),
		persist: persist,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Restore overwrites the monitor's state from a persisted snapshot, for
// use immediately after New on daemon startup.
func (m *Monitor) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = snap.State
	m.blockedAt = snap.BlockedAt
	m.ticketRef = snap.TicketRef
	m.blockedRequests = snap.BlockedRequests
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current persisted-form state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:           m.state,
		BlockedAt:       m.blockedAt,
		TicketRef:       m.ticketRef,
		BlockedRequests: append([]string(nil), m.blockedRequests...),
	}
}

// OnSessionExpiry is fed by the dispatcher every time the classifier
// reports session_expiry. The first call while ok transitions to blocked
// and opens a ticket. Subsequent calls while blocked or recovering just
// record the affected request id and bump the consecutive-expiry counter
// that feeds the dispatcher's emergency-stop trigger.
func (m *Monitor) OnSessionExpiry(ctx context.Context, requestID string) (triggeredEmergencyStop bool) {
	m.mu.Lock()

	m.consecutiveExpiryProbes++
	triggered := m.consecutiveExpiryProbes >= 3

	switch m.state {
	case StateOK:
		m.state = StateBlocked
		m.blockedAt = time.Now()
		m.blockedRequests = append(m.blockedRequests, requestID)
		snap := m.snapshotLocked()
		m.mu.Unlock()

		m.persistSnapshot(snap)
		if m.sink != nil {
			ref, err := m.sink.Open(ctx, OutageRecord{BlockedAt: snap.BlockedAt, Reason: "session_expiry"})
			if err != nil {
				m.log.Warn().Err(err).Msg("opening operator ticket for session outage")
			} else {
				m.mu.Lock()
				m.ticketRef = ref
				m.mu.Unlock()
				m.persistSnapshot(m.Snapshot())
			}
		}
		m.cond.Broadcast()

	case StateBlocked, StateRecovering:
		m.blockedRequests = append(m.blockedRequests, requestID)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.persistSnapshot(snap)
	default:
		m.mu.Unlock()
	}

	return triggered
}

func (m *Monitor) snapshotLocked() Snapshot {
	return Snapshot{
		State:           m.state,
		BlockedAt:       m.blockedAt,
		TicketRef:       m.ticketRef,
		BlockedRequests: append([]string(nil), m.blockedRequests...),
	}
}

func (m *Monitor) persistSnapshot(snap Snapshot) {
	if m.persist == nil {
		return
	}
	if err := m.persist(snap); err != nil {
		m.log.Warn().Err(err).Msg("persisting session snapshot")
	}
}

// ProbeTick is invoked on the session probe timer. While blocked, it asks
// the ticket sink whether the ticket has closed; if so, it moves to
// recovering. While recovering, it issues a trivial Engine probe; success
// moves to ok (clearing blocked_requests and resetting the consecutive
// expiry counter), failure moves back to blocked and requests the ticket
// be reopened.
func (m *Monitor) ProbeTick(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	ticketRef := m.ticketRef
	m.mu.Unlock()

	switch state {
	case StateBlocked:
		if m.sink == nil || ticketRef == "" {
			return
		}
		closed, err := m.sink.IsClosed(ctx, ticketRef)
		if err != nil {
			m.log.Warn().Err(err).Msg("checking ticket status")
			return
		}
		if closed {
			m.mu.Lock()
			m.state = StateRecovering
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.persistSnapshot(snap)
		}

	case StateRecovering:
		err := m.prober.Probe(ctx)
		m.mu.Lock()
		if err == nil {
			m.state = StateOK
			m.blockedRequests = nil
			m.consecutiveExpiryProbes = 0
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.persistSnapshot(snap)
			m.cond.Broadcast()
		} else {
			m.state = StateBlocked
			ref := m.ticketRef
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.persistSnapshot(snap)
			if m.sink != nil && ref != "" {
				if reopenErr := m.sink.Reopen(ctx, ref); reopenErr != nil {
					m.log.Warn().Err(reopenErr).Msg("reopening ticket after failed recovery probe")
				}
			}
		}
	}
}

// WaitUntilOK blocks until the session is ok, or ctx is cancelled. This is
// the dispatcher's gate: while the session is blocked or recovering, no
// new Engine invocations are started.
func (m *Monitor) WaitUntilOK(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOK {
		return nil
	}

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(done)
		m.cond.Broadcast()
	})
	defer stop()

	for m.state != StateOK {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		m.cond.Wait()
	}
	return nil
}
