// Package queue implements the priority queue manager: four FIFO priority
// sub-queues (urgent, high, normal, low), a scheduled sub-queue ordered by
// due time, and atomic snapshot persistence to disk.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/request"
)

// ErrQueueFull is returned by Enqueue when the combined size of all
// sub-queues has reached MaxSize.
type ErrQueueFull struct {
	MaxSize int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("queue full: max_size=%d reached", e.MaxSize)
}

// Status is a read-only snapshot of sub-queue sizes and ages, returned by
// Manager.Status.
type Status struct {
	Sizes          map[request.Priority]int       `json:"sizes"`
	ScheduledSize  int                             `json:"scheduled_size"`
	OldestEnqueued map[request.Priority]time.Time `json:"oldest_enqueued"`
	Paused         bool                            `json:"paused"`
	PauseReason    string                          `json:"pause_reason,omitempty"`
}

// Manager owns the five sub-queues and the on-disk snapshot. All mutating
// operations run under a single lock: the queue is single-writer from the
// Dispatcher's perspective, with intake funneled through Enqueue.
type Manager struct {
	mu sync.Mutex

	maxSize      int
	snapshotPath string
	log          zerolog.Logger

	urgent    []request.Request
	high      []request.Request
	normal    []request.Request
	low       []request.Request
	scheduled []request.Request

	paused      bool
	pauseReason string

	seq int64
}

// New builds a Manager, attempting to restore state from snapshotPath if
// it exists. A missing snapshot file is not an error (fresh start).
func New(maxSize int, snapshotPath string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		maxSize:      maxSize,
		snapshotPath: snapshotPath,
		log:          log.With().Str("component", "queue").Logger(),
	}
	if err := m.restore(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("restoring queue snapshot: %w", err)
	}
	return m, nil
}

// Enqueue places req into its scheduled sub-queue (if ScheduledFor is in
// the future) or its priority sub-queue. Rejects with ErrQueueFull once the
// total across all sub-queues reaches MaxSize.
func (m *Manager) Enqueue(req request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total() >= m.maxSize {
		return &ErrQueueFull{MaxSize: m.maxSize}
	}

	m.seq++
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	if !req.ScheduledFor.IsZero() && req.ScheduledFor.After(time.Now()) {
		req.Status = request.StatusScheduled
		m.scheduled = append(m.scheduled, req)
		m.sortScheduled()
	} else {
		req.Status = request.StatusQueued
		m.appendToPriority(req.Priority, req)
	}

	return m.persistLocked()
}

// Dequeue returns the next request to run, or false if none is available
// (paused, or all sub-queues empty). Scheduled entries whose ScheduledFor
// has arrived are promoted into their priority sub-queue first.
func (m *Manager) Dequeue() (request.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return request.Request{}, false
	}

	m.promoteDueLocked()

	for _, q := range []*[]request.Request{&m.urgent, &m.high, &m.normal, &m.low} {
		if len(*q) > 0 {
			req := (*q)[0]
			*q = (*q)[1:]
			req.Status = request.StatusRunning
			_ = m.persistLocked()
			return req, true
		}
	}
	return request.Request{}, false
}

// PromoteDue runs the scheduled->priority promotion independent of
// Dequeue, bounding the interval between a request's due time and its
// eligibility even when nothing is actively dequeuing.
func (m *Manager) PromoteDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promoteDueLocked() {
		_ = m.persistLocked()
	}
}

func (m *Manager) promoteDueLocked() bool {
	now := time.Now()
	var remaining []request.Request
	promoted := false
	for _, req := range m.scheduled {
		if !req.ScheduledFor.After(now) {
			req.Status = request.StatusQueued
			m.appendToPriority(req.Priority, req)
			promoted = true
		} else {
			remaining = append(remaining, req)
		}
	}
	m.scheduled = remaining
	return promoted
}

func (m *Manager) appendToPriority(p request.Priority, req request.Request) {
	switch p {
	case request.PriorityUrgent:
		m.urgent = append(m.urgent, req)
	case request.PriorityHigh:
		m.high = append(m.high, req)
	case request.PriorityLow:
		m.low = append(m.low, req)
	default:
		m.normal = append(m.normal, req)
	}
}

func (m *Manager) sortScheduled() {
	sort.SliceStable(m.scheduled, func(i, j int) bool {
		return m.scheduled[i].ScheduledFor.Before(m.scheduled[j].ScheduledFor)
	})
}

// Requeue re-inserts req (typically after a retry, with demoted priority)
// at the tail of its priority sub-queue.
func (m *Manager) Requeue(req request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Status = request.StatusQueued
	m.appendToPriority(req.Priority, req)
	return m.persistLocked()
}

// Pause stops Dequeue from returning work until Resume is called.
func (m *Manager) Pause(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.pauseReason = reason
	return m.persistLocked()
}

// Resume clears the paused flag.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.pauseReason = ""
	return m.persistLocked()
}

// Clear empties one priority sub-queue, or all sub-queues (including
// scheduled) if p is nil. Returns the number of requests removed.
func (m *Manager) Clear(p *request.Priority) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	if p == nil {
		removed = len(m.urgent) + len(m.high) + len(m.normal) + len(m.low) + len(m.scheduled)
		m.urgent, m.high, m.normal, m.low, m.scheduled = nil, nil, nil, nil, nil
	} else {
		switch *p {
		case request.PriorityUrgent:
			removed = len(m.urgent)
			m.urgent = nil
		case request.PriorityHigh:
			removed = len(m.high)
			m.high = nil
		case request.PriorityLow:
			removed = len(m.low)
			m.low = nil
		default:
			removed = len(m.normal)
			m.normal = nil
		}
	}
	return removed, m.persistLocked()
}

// RemoveTask removes a single queued request by id from whichever
// sub-queue holds it. Returns false if not found.
func (m *Manager) RemoveTask(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for _, q := range []*[]request.Request{&m.urgent, &m.high, &m.normal, &m.low} {
		filtered := (*q)[:0:0]
		for _, req := range *q {
			if req.ID == id {
				found = true
				continue
			}
			filtered = append(filtered, req)
		}
		*q = filtered
	}
	if !found {
		filtered := m.scheduled[:0:0]
		for _, req := range m.scheduled {
			if req.ID == id {
				found = true
				continue
			}
			filtered = append(filtered, req)
		}
		m.scheduled = filtered
	}
	if !found {
		return false, nil
	}
	return true, m.persistLocked()
}

func (m *Manager) total() int {
	return len(m.urgent) + len(m.high) + len(m.normal) + len(m.low) + len(m.scheduled)
}

// Status reports sub-queue sizes, the oldest enqueued_at per class, and
// the pause state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizes := map[request.Priority]int{
		request.PriorityUrgent: len(m.urgent),
		request.PriorityHigh:   len(m.high),
		request.PriorityNormal: len(m.normal),
		request.PriorityLow:    len(m.low),
	}
	oldest := map[request.Priority]time.Time{}
	for p, q := range map[request.Priority][]request.Request{
		request.PriorityUrgent: m.urgent,
		request.PriorityHigh:   m.high,
		request.PriorityNormal: m.normal,
		request.PriorityLow:    m.low,
	} {
		if len(q) > 0 {
			oldest[p] = q[0].EnqueuedAt
		}
	}

	return Status{
		Sizes:          sizes,
		ScheduledSize:  len(m.scheduled),
		OldestEnqueued: oldest,
		Paused:         m.paused,
		PauseReason:    m.pauseReason,
	}
}

// persistLocked writes the current state to snapshotPath via write-temp +
// atomic rename. Caller must hold m.mu.
func (m *Manager) persistLocked() error {
	snap := request.QueueSnapshot{
		Urgent:    m.urgent,
		High:      m.high,
		Normal:    m.normal,
		Low:       m.low,
		Scheduled: m.scheduled,
		Paused:    m.paused,
		SavedAt:   time.Now(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		m.log.Warn().Err(err).Msg("marshalling queue snapshot")
		return fmt.Errorf("persistence_failure: marshalling snapshot: %w", err)
	}

	dir := filepath.Dir(m.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".queues-*.tmp")
	if err != nil {
		m.log.Warn().Err(err).Msg("creating temp snapshot file")
		return fmt.Errorf("persistence_failure: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		m.log.Warn().Err(err).Msg("writing queue snapshot")
		return fmt.Errorf("persistence_failure: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence_failure: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.snapshotPath); err != nil {
		os.Remove(tmpPath)
		m.log.Warn().Err(err).Msg("renaming queue snapshot into place")
		return fmt.Errorf("persistence_failure: renaming snapshot: %w", err)
	}
	return nil
}

func (m *Manager) restore() error {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return err
	}
	var snap request.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing queue snapshot: %w", err)
	}
	m.urgent = snap.Urgent
	m.high = snap.High
	m.normal = snap.Normal
	m.low = snap.Low
	m.scheduled = snap.Scheduled
	m.paused = snap.Paused
	return nil
}
