// Package queue persists deferred user queries until connectivity allows
// flushing them to the origin. Requests move pending -> in_flight ->
// completed/failed; a terminal status is never left, so callers get an
// unambiguous answer even across restarts.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gramsetu/syncache/internal/queue/migrations"
	"github.com/gramsetu/syncache/internal/sqlitemigrate"
)

// Status names the lifecycle stage of a queued request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound reports that no request with the given id exists. A
	// completed request whose result was already taken out also reads as
	// not found, since takeout destroys the row.
	ErrNotFound = errors.New("queue: request not found")
	// ErrNotClaimable reports that a claim attempt lost: the request is
	// already in flight under a live lease, not yet due, or terminal.
	ErrNotClaimable = errors.New("queue: request not claimable")
	// ErrNotTerminal reports a result takeout on a request that is still
	// pending or in flight.
	ErrNotTerminal = errors.New("queue: request has no terminal outcome yet")
)

// Request is one deferred query waiting for the origin.
type Request struct {
	ID             string
	Payload        json.RawMessage
	Language       string
	SessionID      string
	Status         Status
	Reason         string
	Result         json.RawMessage
	EnqueuedAt     time.Time
	LastAttemptAt  time.Time
	NextAttemptAt  time.Time
	RetryCount     int
	LeaseExpiresAt time.Time
}

// Outcome is the terminal answer handed to the caller exactly once.
type Outcome struct {
	Status Status
	Result json.RawMessage
	Reason string
}

// Depth counts requests per status for the status surface.
type Depth struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total sums every non-terminal and terminal request still in the queue.
func (d Depth) Total() int {
	return d.Pending + d.InFlight + d.Completed + d.Failed
}

// Policy bounds the retry behavior. Delay doubles per attempt from Base up
// to Max; after MaxAttempts failed attempts the request turns failed for
// good.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Lease       time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 8
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 5 * time.Minute
	}
	if p.Lease <= 0 {
		p.Lease = time.Minute
	}
	return p
}

// Backoff returns the wait before the given attempt may run again. Attempt
// counting starts at 1 for the first retry.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shifting far past the cap would overflow the duration.
	if attempt > 32 {
		return p.MaxDelay
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Queue is a durable FIFO of deferred requests backed by SQLite.
type Queue struct {
	sqlDB  *sql.DB
	policy Policy
}

// Open opens the queue database at path and applies embedded migrations.
func Open(ctx context.Context, path string, policy Policy) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("queue: ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("queue: run migrations: %w", err)
	}
	return &Queue{sqlDB: sqlDB, policy: policy.normalized()}, nil
}

// Policy exposes the retry bounds the queue was opened with.
func (q *Queue) Policy() Policy {
	if q == nil {
		return Policy{}.normalized()
	}
	return q.policy
}

func timeToMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func millisToTime(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Enqueue stores a new pending request and returns it with its assigned id.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, language, sessionID string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	if q == nil || q.sqlDB == nil {
		return Request{}, errors.New("queue: not configured")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return Request{}, errors.New("queue: request payload must be valid JSON")
	}

	now := time.Now().UTC()
	request := Request{
		ID:            uuid.NewString(),
		Payload:       payload,
		Language:      strings.TrimSpace(language),
		SessionID:     strings.TrimSpace(sessionID),
		Status:        StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}

	_, err := q.sqlDB.ExecContext(ctx, `
INSERT INTO query_queue (id, payload, language, session_id, status, enqueued_at, next_attempt_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		request.ID, []byte(request.Payload), request.Language, request.SessionID,
		string(request.Status), timeToMillis(request.EnqueuedAt), timeToMillis(request.NextAttemptAt),
	)
	if err != nil {
		return Request{}, fmt.Errorf("queue: enqueue request: %w", err)
	}
	return request, nil
}

// Get returns one request by id.
func (q *Queue) Get(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	if q == nil || q.sqlDB == nil {
		return Request{}, errors.New("queue: not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, errors.New("queue: request id is required")
	}
	row := q.sqlDB.QueryRowContext(ctx, selectRequestSQL+` WHERE id = ?`, id)
	request, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("queue: get request: %w", err)
	}
	return request, nil
}

// ListPending returns every pending request oldest-first, regardless of
// backoff timing. Use ListDue for requests ready to attempt now.
func (q *Queue) ListPending(ctx context.Context) ([]Request, error) {
	return q.list(ctx, `WHERE status = ? ORDER BY enqueued_at ASC, rowid ASC`, string(StatusPending))
}

// ListDue returns pending requests whose backoff has elapsed plus in_flight
// requests whose lease expired (a crashed flusher never released them),
// oldest-first.
func (q *Queue) ListDue(ctx context.Context, now time.Time) ([]Request, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return q.list(ctx, `
WHERE (status = ? AND next_attempt_at <= ?)
   OR (status = ? AND lease_expires_at > 0 AND lease_expires_at <= ?)
ORDER BY enqueued_at ASC, rowid ASC`,
		string(StatusPending), timeToMillis(now), string(StatusInFlight), timeToMillis(now))
}

func (q *Queue) list(ctx context.Context, clause string, args ...any) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.sqlDB == nil {
		return nil, errors.New("queue: not configured")
	}
	rows, err := q.sqlDB.QueryContext(ctx, selectRequestSQL+` `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		request, scanErr := scanRequest(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("queue: scan request: %w", scanErr)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate requests: %w", err)
	}
	return requests, nil
}

// MarkInFlight claims one request for an attempt. The claim succeeds only
// for a due pending request or an in_flight request whose lease expired, so
// two concurrent flushers can never both hold the same id.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	if q == nil || q.sqlDB == nil {
		return Request{}, errors.New("queue: not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, errors.New("queue: request id is required")
	}

	now := time.Now().UTC()
	result, err := q.sqlDB.ExecContext(ctx, `
UPDATE query_queue
SET status = ?, last_attempt_at = ?, lease_expires_at = ?
WHERE id = ?
  AND (
    (status = ? AND next_attempt_at <= ?)
    OR (status = ? AND lease_expires_at > 0 AND lease_expires_at <= ?)
  )
`,
		string(StatusInFlight), timeToMillis(now), timeToMillis(now.Add(q.policy.Lease)),
		id,
		string(StatusPending), timeToMillis(now),
		string(StatusInFlight), timeToMillis(now),
	)
	if err != nil {
		return Request{}, fmt.Errorf("queue: claim request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Request{}, fmt.Errorf("queue: claim rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := q.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return Request{}, ErrNotFound
		}
		return Request{}, ErrNotClaimable
	}
	return q.Get(ctx, id)
}

// Complete records the origin's answer for an in_flight request. The
// status guard makes the terminal transition happen at most once.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 || !json.Valid(result) {
		return errors.New("queue: result must be valid JSON")
	}
	return q.finish(ctx, id, `
UPDATE query_queue
SET status = ?, result = ?, reason = '', lease_expires_at = 0
WHERE id = ? AND status = ?
`, string(StatusCompleted), []byte(result), id, string(StatusInFlight))
}

// Fail records a failed attempt. Below the attempt ceiling the request
// returns to pending with exponential backoff; at the ceiling it turns
// failed permanently and is never retried again.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.sqlDB == nil {
		return errors.New("queue: not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("queue: request id is required")
	}
	reason = strings.TrimSpace(reason)

	tx, err := q.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin fail transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var retryCount int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status, retry_count FROM query_queue WHERE id = ?`, id).Scan(&status, &retryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("queue: read request for fail: %w", err)
	}
	if status != string(StatusInFlight) {
		return ErrNotClaimable
	}

	attempt := retryCount + 1
	now := time.Now().UTC()
	var result sql.Result
	if attempt >= q.policy.MaxAttempts {
		result, err = tx.ExecContext(ctx, `
UPDATE query_queue
SET status = ?, retry_count = ?, reason = ?, lease_expires_at = 0
WHERE id = ? AND status = ?
`, string(StatusFailed), attempt, reason, id, string(StatusInFlight))
	} else {
		nextAttempt := now.Add(q.policy.Backoff(attempt))
		result, err = tx.ExecContext(ctx, `
UPDATE query_queue
SET status = ?, retry_count = ?, reason = ?, next_attempt_at = ?, lease_expires_at = 0
WHERE id = ? AND status = ?
`, string(StatusPending), attempt, reason, timeToMillis(nextAttempt), id, string(StatusInFlight))
	}
	if err != nil {
		return fmt.Errorf("queue: record failed attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: fail rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimable
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit fail transaction: %w", err)
	}
	return nil
}

func (q *Queue) finish(ctx context.Context, id string, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.sqlDB == nil {
		return errors.New("queue: not configured")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("queue: request id is required")
	}
	result, err := q.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: finish request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: finish rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := q.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotClaimable
	}
	return nil
}

// TakeResult hands out the terminal outcome of a request exactly once and
// destroys the row. A second call reports ErrNotFound.
func (q *Queue) TakeResult(ctx context.Context, id string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if q == nil || q.sqlDB == nil {
		return Outcome{}, errors.New("queue: not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Outcome{}, errors.New("queue: request id is required")
	}

	tx, err := q.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("queue: begin takeout transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status, reason string
	var result []byte
	err = tx.QueryRowContext(ctx, `SELECT status, reason, result FROM query_queue WHERE id = ?`, id).Scan(&status, &reason, &result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, fmt.Errorf("queue: read request for takeout: %w", err)
	}
	if status != string(StatusCompleted) && status != string(StatusFailed) {
		return Outcome{}, ErrNotTerminal
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM query_queue WHERE id = ?`, id); err != nil {
		return Outcome{}, fmt.Errorf("queue: delete taken request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("queue: commit takeout transaction: %w", err)
	}

	outcome := Outcome{Status: Status(status), Reason: reason}
	if len(result) > 0 {
		outcome.Result = json.RawMessage(result)
	}
	return outcome, nil
}

// Depth counts requests per status.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	if err := ctx.Err(); err != nil {
		return Depth{}, err
	}
	if q == nil || q.sqlDB == nil {
		return Depth{}, errors.New("queue: not configured")
	}
	rows, err := q.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM query_queue GROUP BY status`)
	if err != nil {
		return Depth{}, fmt.Errorf("queue: count requests: %w", err)
	}
	defer rows.Close()

	var depth Depth
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Depth{}, fmt.Errorf("queue: scan count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			depth.Pending = count
		case StatusInFlight:
			depth.InFlight = count
		case StatusCompleted:
			depth.Completed = count
		case StatusFailed:
			depth.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Depth{}, fmt.Errorf("queue: iterate counts: %w", err)
	}
	return depth, nil
}

// PurgeSession removes every request tagged with the session, terminal or
// not. Session-scoped queries may carry personal context and must not
// outlive the session.
func (q *Queue) PurgeSession(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if q == nil || q.sqlDB == nil {
		return 0, errors.New("queue: not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, nil
	}
	result, err := q.sqlDB.ExecContext(ctx, `DELETE FROM query_queue WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("queue: purge session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: purge rows affected: %w", err)
	}
	return int(affected), nil
}

// Close releases the underlying database handle.
func (q *Queue) Close(context.Context) error {
	if q == nil || q.sqlDB == nil {
		return nil
	}
	if err := q.sqlDB.Close(); err != nil {
		return fmt.Errorf("queue: close sqlite db: %w", err)
	}
	return nil
}

const selectRequestSQL = `
SELECT id, payload, language, session_id, status, reason, result,
       enqueued_at, last_attempt_at, next_attempt_at, retry_count, lease_expires_at
FROM query_queue`

type rowScanner func(dest ...any) error

func scanRequest(scan rowScanner) (Request, error) {
	var request Request
	var payload, result []byte
	var status string
	var enqueuedAt, lastAttemptAt, nextAttemptAt, leaseExpiresAt int64
	err := scan(
		&request.ID, &payload, &request.Language, &request.SessionID,
		&status, &request.Reason, &result,
		&enqueuedAt, &lastAttemptAt, &nextAttemptAt, &request.RetryCount, &leaseExpiresAt,
	)
	if err != nil {
		return Request{}, err
	}
	request.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		request.Result = json.RawMessage(result)
	}
	request.Status = Status(status)
	request.EnqueuedAt = millisToTime(enqueuedAt)
	request.LastAttemptAt = millisToTime(lastAttemptAt)
	request.NextAttemptAt = millisToTime(nextAttemptAt)
	request.LeaseExpiresAt = millisToTime(leaseExpiresAt)
	return request, nil
}
