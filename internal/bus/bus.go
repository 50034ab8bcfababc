// Package bus implements the Bus Adapter: a SQLite-backed stand-in for
// the external key-value/queue store, exposing the same poll/push/TTL
// contract the dispatcher expects from a real message bus.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/request"
)

const responseTTL = time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS inbound_requests (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	payload TEXT NOT NULL,
	popped INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS responses (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL,
	payload TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL
);
`

// Bus is a SQLite-backed adapter implementing poll_request / emit_response
// / emit_notification against durable tables, simulating a bus store's
// list-with-TTL semantics.
type Bus struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or attaches to the SQLite database at dsn and ensures its
// schema exists.
func Open(dsn string, log zerolog.Logger) (*Bus, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening bus store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bus schema: %w", err)
	}
	return &Bus{db: db, log: log.With().Str("component", "bus").Logger()}, nil
}

// Close releases the underlying database handle.
func (b *Bus) Close() error { return b.db.Close() }

// Submit inserts a raw inbound request payload, as an external producer
// would. Exposed for tests; the control surface has no route that calls
// it.
func (b *Bus) Submit(ctx context.Context, req request.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	_, err = b.withRetry(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `INSERT INTO inbound_requests (id, payload) VALUES (?, ?)`, req.ID, string(data))
		return err
	})
	return err
}

// PollRequest pops one inbound request, validating mandatory fields. A
// malformed entry is discarded and an invalid_request failure response is
// written in its place; PollRequest then returns (none, nil) for that
// call rather than propagating the malformed entry upward.
func (b *Bus) PollRequest(ctx context.Context) (request.Request, bool, error) {
	var seq int64
	var payload string

	_, err := b.withRetry(ctx, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT seq, payload FROM inbound_requests WHERE popped = 0 ORDER BY seq ASC LIMIT 1`)
		if err := row.Scan(&seq, &payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				seq = 0
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE inbound_requests SET popped = 1 WHERE seq = ?`, seq); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return request.Request{}, false, err
	}
	if seq == 0 {
		return request.Request{}, false, nil
	}

	var req request.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		b.log.Warn().Err(err).Msg("discarding malformed inbound request")
		_ = b.EmitResponse(ctx, "", request.Response{
			Status:      request.StatusFailed,
			ErrorKind:   request.ErrorKindInvalidRequest,
			ErrorDetail: "malformed request payload",
			CompletedAt: time.Now(),
		})
		return request.Request{}, false, nil
	}
	if req.ID == "" || req.OriginAgent == "" || req.Payload == "" {
		b.log.Warn().Str("id", req.ID).Msg("rejecting inbound request missing mandatory fields")
		_ = b.EmitResponse(ctx, req.OriginAgent, request.Response{
			RequestID:   req.ID,
			Status:      request.StatusFailed,
			ErrorKind:   request.ErrorKindInvalidRequest,
			ErrorDetail: "missing mandatory field (id, origin, or payload)",
			CompletedAt: time.Now(),
		})
		return request.Request{}, false, nil
	}

	return req, true, nil
}

// EmitResponse pushes resp onto responses:<origin> with a refreshed
// one-hour TTL.
func (b *Bus) EmitResponse(ctx context.Context, origin string, resp request.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshalling response: %w", err)
	}
	expiresAt := time.Now().Add(responseTTL).Unix()
	_, err = b.withRetry(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `INSERT INTO responses (origin, payload, expires_at) VALUES (?, ?, ?)`, origin, string(data), expiresAt)
		return err
	})
	return err
}

// PollResponses returns all unexpired responses for origin, in arrival
// order, without removing them (consumption is the agent's
// responsibility).
func (b *Bus) PollResponses(ctx context.Context, origin string) ([]request.Response, error) {
	b.reapExpired(ctx)

	rows, err := b.db.QueryContext(ctx, `SELECT payload FROM responses WHERE origin = ? AND expires_at > ? ORDER BY seq ASC`, origin, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []request.Response
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var resp request.Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (b *Bus) reapExpired(ctx context.Context) {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM responses WHERE expires_at <= ?`, time.Now().Unix()); err != nil {
		b.log.Warn().Err(err).Msg("reaping expired responses")
	}
}

// EmitNotification pushes record onto the single notifications channel.
func (b *Bus) EmitNotification(ctx context.Context, n request.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}
	_, err = b.withRetry(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `INSERT INTO notifications (payload) VALUES (?)`, string(data))
		return err
	})
	return err
}

// PollNotifications drains all queued notifications for external
// delivery.
func (b *Bus) PollNotifications(ctx context.Context) ([]request.Notification, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT seq, payload FROM notifications ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}

	var seqs []int64
	var out []request.Notification
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		var n request.Notification
		if err := json.Unmarshal([]byte(payload), &n); err == nil {
			out = append(out, n)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE seq = ?`, seq); err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

// ErrBusFailure is returned by withRetry when all bounded retry attempts
// are exhausted; callers surface this as a fatal signal to the
// Dispatcher.
type ErrBusFailure struct {
	Attempts int
	Last     error
}

func (e *ErrBusFailure) Error() string {
	return fmt.Sprintf("bus_failure: exhausted %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrBusFailure) Unwrap() error { return e.Last }

const maxRetryAttempts = 5
const maxRetryDelay = 5 * time.Second

// withRetry runs op with bounded exponential backoff (capped at 5
// attempts, 5s max delay), matching the Bus Adapter's transient-error
// contract.
func (b *Bus) withRetry(ctx context.Context, op func() error) (struct{}, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		lastErr = op()
		if lastErr == nil {
			return struct{}{}, nil
		}
		delay := time.Duration(math.Min(
			float64(maxRetryDelay),
			float64(100*time.Millisecond)*math.Pow(2, float64(attempt)),
		))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	}
	return struct{}{}, &ErrBusFailure{Attempts: maxRetryAttempts, Last: lastErr}
}
