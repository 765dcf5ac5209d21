package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrItemNotFound reports a queue operation against an unknown id.
var ErrItemNotFound = errors.New("queue item not found")

// ErrNotPending reports a MarkSending race: the item exists but is not in
// pending state, so another dispatcher already claimed it.
var ErrNotPending = errors.New("queue item not pending")

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// Item is the durable unit of delivery state. Timestamps are stored as unix
// milliseconds; zero pointers mean the field was never populated.
type Item struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	TranscriptAt     time.Time  `json:"transcript_at"`
	SourceDurationMS int64      `json:"source_duration_ms"`
	Status           Status     `json:"status"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"created_at"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	Response         string     `json:"response,omitempty"`
}

// Frozen reports whether the item has exhausted its retry budget and waits for
// a manual reset. Frozen items are pending but excluded from automatic
// dispatch.
func (it *Item) Frozen(maxRetries int) bool {
	return it.Status == StatusPending && it.Attempts >= maxRetries && it.NextRetryAt == nil
}

// Policy is the retry/backoff configuration owned by the store.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// NextDelay returns min(base * 2^(attempts-1), cap) for attempts >= 1.
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if delay > p.BackoffCap {
		return p.BackoffCap
	}
	return delay
}

// Stats aggregates queue counts. Failed counts pending items that have failed
// at least once; Exhausted is the subset frozen at the retry cap.
type Stats struct {
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Store is the SQLite-backed delivery queue. The active set (pending/sending)
// and the sent archive live in separate tables so archive cleanup can never
// touch active items.
type Store struct {
	db     *sql.DB
	policy Policy
	log    *slog.Logger
	clock  func() time.Time
}

// Open initializes the queue store, creating the database and schema if
// needed. Storage failures here are fatal to the caller.
func Open(ctx context.Context, cfg config.QueueConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db: db,
		policy: Policy{
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
			BackoffCap:  time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		},
		log:   log,
		clock: time.Now,
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS queue_items (
    position INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    text TEXT NOT NULL,
    transcript_at INTEGER NOT NULL,
    source_duration_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_attempt_at INTEGER,
    last_error TEXT,
    next_retry_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, position);
CREATE INDEX IF NOT EXISTS idx_queue_items_next_retry ON queue_items(next_retry_at);
CREATE TABLE IF NOT EXISTS queue_archive (
    position INTEGER,
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    transcript_at INTEGER NOT NULL,
    source_duration_ms INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    sent_at INTEGER NOT NULL,
    response TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_archive_sent_at ON queue_archive(sent_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Policy returns the store's retry policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// Enqueue creates a new pending item at the back of the active set. The row is
// committed before Enqueue returns.
func (s *Store) Enqueue(ctx context.Context, t protocol.Transcript) (*Item, error) {
	now := s.clock().UTC()
	item := &Item{
		ID:               uuid.NewString(),
		Text:             t.Text,
		TranscriptAt:     t.Timestamp.UTC(),
		SourceDurationMS: t.SourceDurationMS,
		Status:           StatusPending,
		CreatedAt:        now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items(id, text, transcript_at, source_duration_ms, status, attempts, created_at)
		 VALUES(?, ?, ?, ?, ?, 0, ?)`,
		item.ID, item.Text, item.TranscriptAt.UnixMilli(), item.SourceDurationMS, item.Status, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s.log.Debug("transcript enqueued", slog.String("id", item.ID))
	return item, nil
}

const activeColumns = `id, text, transcript_at, source_duration_ms, status, attempts, created_at, last_attempt_at, last_error, next_retry_at`

func scanActive(row interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	var transcriptAt, createdAt int64
	var lastAttemptAt, nextRetryAt sql.NullInt64
	var lastError sql.NullString
	err := row.Scan(&it.ID, &it.Text, &transcriptAt, &it.SourceDurationMS, &it.Status, &it.Attempts,
		&createdAt, &lastAttemptAt, &lastError, &nextRetryAt)
	if err != nil {
		return nil, err
	}
	it.TranscriptAt = time.UnixMilli(transcriptAt).UTC()
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAttemptAt.Valid {
		ts := time.UnixMilli(lastAttemptAt.Int64).UTC()
		it.LastAttemptAt = &ts
	}
	if nextRetryAt.Valid {
		ts := time.UnixMilli(nextRetryAt.Int64).UTC()
		it.NextRetryAt = &ts
	}
	it.LastError = lastError.String
	return &it, nil
}

// NextPending returns the earliest fresh pending item (attempts == 0), or nil
// when the queue has none. Items with failed attempts are reachable only
// through RetryEligible, which is what keeps exhausted items frozen.
func (s *Store) NextPending(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+activeColumns+` FROM queue_items
		 WHERE status = ? AND attempts = 0
		 ORDER BY position ASC LIMIT 1`, StatusPending)
	item, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return item, nil
}

// RetryEligible returns pending items whose backoff window has elapsed, in
// insertion order. Frozen items have no next_retry_at and never match.
func (s *Store) RetryEligible(ctx context.Context, now time.Time) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activeColumns+` FROM queue_items
		 WHERE status = ? AND attempts > 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY position ASC`, StatusPending, now.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("retry eligible: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanActive(rows)
		if err != nil {
			return nil, fmt.Errorf("retry eligible scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSending claims a pending item for delivery: pending -> sending, attempts
// incremented, last_attempt_at stamped. The status guard in the UPDATE is what
// guarantees at most one in-flight delivery per item.
func (s *Store) MarkSending(ctx context.Context, id string) (*Item, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = ?, attempts = attempts + 1, last_attempt_at = ?
		 WHERE id = ? AND status = ?`,
		StatusSending, now.UnixMilli(), id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("mark sending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark sending: %w", err)
	}
	if affected == 0 {
		if _, err := s.getActive(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return s.getActive(ctx, id)
}

// MarkSent moves an item out of the active set into the archive, recording the
// endpoint response. Valid from sending or directly from pending.
func (s *Store) MarkSent(ctx context.Context, id string, response string) (*Item, error) {
	now := s.clock().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark sent: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT position, `+activeColumns+` FROM queue_items WHERE id = ?`, id)
	var position int64
	var it Item
	var transcriptAt, createdAt int64
	var lastAttemptAt, nextRetryAt sql.NullInt64
	var lastError sql.NullString
	err = row.Scan(&position, &it.ID, &it.Text, &transcriptAt, &it.SourceDurationMS, &it.Status, &it.Attempts,
		&createdAt, &lastAttemptAt, &lastError, &nextRetryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark sent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("mark sent delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_archive(position, id, text, transcript_at, source_duration_ms, attempts, created_at, sent_at, response)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		position, it.ID, it.Text, transcriptAt, it.SourceDurationMS, it.Attempts, createdAt, now.UnixMilli(), response); err != nil {
		return nil, fmt.Errorf("mark sent archive: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark sent commit: %w", err)
	}

	it.Status = StatusSent
	it.TranscriptAt = time.UnixMilli(transcriptAt).UTC()
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	it.SentAt = &now
	it.Response = response
	s.log.Info("item archived as sent", slog.String("id", id), slog.Int("attempts", it.Attempts))
	return &it, nil
}

// MarkFailed returns a sending item to pending and schedules the next retry by
// exponential backoff. Once attempts reach the policy cap the item is frozen:
// it stays pending with no next_retry_at, awaiting a manual ResetAttempts.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string) (*Item, error) {
	now := s.clock().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM queue_items WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	if attempts >= s.policy.MaxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, last_error = ?, next_retry_at = NULL WHERE id = ?`,
			StatusPending, cause, id)
		if err != nil {
			return nil, fmt.Errorf("mark failed freeze: %w", err)
		}
		s.log.Warn("retry budget exhausted, item frozen",
			slog.String("id", id), slog.Int("attempts", attempts))
	} else {
		delay := s.policy.NextDelay(attempts)
		nextRetry := now.Add(delay)
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
			StatusPending, cause, nextRetry.UnixMilli(), id)
		if err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		s.log.Warn("delivery failed, retry scheduled",
			slog.String("id", id), slog.Int("attempt", attempts), slog.Duration("delay", delay))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark failed commit: %w", err)
	}
	return s.getActive(ctx, id)
}

// ResetAttempts clears an item's failure history and returns it to
// immediately-eligible pending. Operator escape hatch for frozen items.
func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET attempts = 0, status = ?, last_error = NULL, next_retry_at = NULL, last_attempt_at = NULL
		 WHERE id = ?`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	s.log.Info("attempts reset", slog.String("id", id))
	return nil
}

// Cleanup deletes archived items sent before the cutoff and returns the count
// removed. Active items are never touched regardless of age.
func (s *Store) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_archive WHERE sent_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if affected > 0 {
		s.log.Info("archive cleaned", slog.Int64("removed", affected))
	}
	return int(affected), nil
}

// Stats returns aggregate counts over both tables in one snapshot.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(CASE WHEN status = 'pending' THEN 1 END),
    COUNT(CASE WHEN status = 'sending' THEN 1 END),
    COUNT(CASE WHEN status = 'pending' AND attempts > 0 THEN 1 END),
    COUNT(CASE WHEN status = 'pending' AND attempts >= ? AND next_retry_at IS NULL THEN 1 END)
FROM queue_items`, s.policy.MaxRetries)
	if err := row.Scan(&st.Pending, &st.Sending, &st.Failed, &st.Exhausted); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_archive`).Scan(&st.Sent); err != nil {
		return Stats{}, fmt.Errorf("stats archive: %w", err)
	}
	return st, nil
}

// Get returns an item by id from either the active set or the archive.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	item, err := s.getActive(ctx, id)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}
	return s.getArchived(ctx, id)
}

func (s *Store) getActive(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+activeColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *Store) getArchived(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, text, transcript_at, source_duration_ms, attempts, created_at, sent_at, response
		 FROM queue_archive WHERE id = ?`, id)
	var it Item
	var transcriptAt, createdAt, sentAt int64
	var response sql.NullString
	err := row.Scan(&it.ID, &it.Text, &transcriptAt, &it.SourceDurationMS, &it.Attempts, &createdAt, &sentAt, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archived item: %w", err)
	}
	it.Status = StatusSent
	it.TranscriptAt = time.UnixMilli(transcriptAt).UTC()
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	ts := time.UnixMilli(sentAt).UTC()
	it.SentAt = &ts
	it.Response = response.String
	return &it, nil
}

// List returns active items, newest first, for status inspection.
func (s *Store) List(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activeColumns+` FROM queue_items ORDER BY position DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanActive(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
