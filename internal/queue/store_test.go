package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.QueueConfig{
		Path:          filepath.Join(t.TempDir(), "queue.db"),
		MaxRetries:    5,
		BackoffBaseMS: 1000,
		BackoffCapMS:  60000,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func transcript(text string) protocol.Transcript {
	return protocol.Transcript{Text: text, Timestamp: time.Now().UTC(), SourceDurationMS: 1200}
}

func TestEnqueueAndNextPendingFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		item, err := s.Enqueue(ctx, transcript(fmt.Sprintf("utterance %d", i)))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, item.ID)
	}

	for i := 0; i < 5; i++ {
		item, err := s.NextPending(ctx)
		if err != nil {
			t.Fatalf("next pending: %v", err)
		}
		if item == nil {
			t.Fatalf("expected item %d, got none", i)
		}
		if item.ID != ids[i] {
			t.Fatalf("FIFO violated at %d: got %s want %s", i, item.ID, ids[i])
		}
		if _, err := s.MarkSent(ctx, item.ID, `{"status":201}`); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
	}

	item, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if item != nil {
		t.Fatalf("expected empty queue, got %s", item.ID)
	}
}

func TestMarkSendingClaimsExactlyOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, transcript("hello"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.MarkSending(ctx, item.ID)
	if err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if claimed.Status != StatusSending || claimed.Attempts != 1 {
		t.Fatalf("expected sending/1, got %s/%d", claimed.Status, claimed.Attempts)
	}
	if claimed.LastAttemptAt == nil {
		t.Fatal("expected last_attempt_at stamped")
	}

	if _, err := s.MarkSending(ctx, item.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second claim, got %v", err)
	}

	if _, err := s.MarkSending(ctx, "no-such-id"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestMarkFailedBackoffMonotoneUntilCap(t *testing.T) {
	s := newStore(t)
	s.policy.MaxRetries = 100 // keep the item schedulable for the whole run
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	item, err := s.Enqueue(ctx, transcript("retry me"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var prev time.Duration
	for i := 1; i <= 10; i++ {
		if _, err := s.MarkSending(ctx, item.ID); err != nil {
			t.Fatalf("mark sending attempt %d: %v", i, err)
		}
		failed, err := s.MarkFailed(ctx, item.ID, "http 500")
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", i, err)
		}
		if failed.Status != StatusPending {
			t.Fatalf("expected pending after failure, got %s", failed.Status)
		}
		if failed.NextRetryAt == nil || failed.LastAttemptAt == nil {
			t.Fatal("expected retry schedule populated")
		}
		delay := failed.NextRetryAt.Sub(*failed.LastAttemptAt)
		if delay < prev {
			t.Fatalf("backoff shrank at attempt %d: %v < %v", i, delay, prev)
		}
		if delay > s.policy.BackoffCap {
			t.Fatalf("backoff exceeded cap at attempt %d: %v", i, delay)
		}
		prev = delay

		// make the item immediately claimable again
		if _, err := s.db.ExecContext(ctx, `UPDATE queue_items SET next_retry_at = 0 WHERE id = ?`, item.ID); err != nil {
			t.Fatalf("reset retry window: %v", err)
		}
	}
	if prev != s.policy.BackoffCap {
		t.Fatalf("expected delay pinned at cap %v, got %v", s.policy.BackoffCap, prev)
	}
}

func TestPolicyNextDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BackoffBase: time.Second, BackoffCap: 60 * time.Second}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := p.NextDelay(tc.attempts); got != tc.want {
			t.Fatalf("NextDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestRetryEligibleRespectsBackoffWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, transcript("later"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSending(ctx, item.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	failed, err := s.MarkFailed(ctx, item.ID, "http 503")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	before, err := s.RetryEligible(ctx, failed.NextRetryAt.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("retry eligible: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("item eligible before backoff elapsed: %d", len(before))
	}

	after, err := s.RetryEligible(ctx, failed.NextRetryAt.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("retry eligible: %v", err)
	}
	if len(after) != 1 || after[0].ID != item.ID {
		t.Fatalf("expected item eligible after backoff, got %d", len(after))
	}

	// fresh items never show up in the retry list
	if _, err := s.Enqueue(ctx, transcript("fresh")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	again, err := s.RetryEligible(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("retry eligible: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("fresh item leaked into retry list: %d", len(again))
	}
}

func TestExhaustedItemFrozen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, transcript("doomed"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var last *Item
	for i := 0; i < s.policy.MaxRetries; i++ {
		if _, err := s.MarkSending(ctx, item.ID); err != nil {
			t.Fatalf("mark sending attempt %d: %v", i+1, err)
		}
		last, err = s.MarkFailed(ctx, item.ID, "http 500")
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", i+1, err)
		}
		if i < s.policy.MaxRetries-1 {
			if _, err := s.db.ExecContext(ctx, `UPDATE queue_items SET next_retry_at = 0 WHERE id = ?`, item.ID); err != nil {
				t.Fatalf("reset retry window: %v", err)
			}
		}
	}

	if last.Status != StatusPending || last.Attempts != s.policy.MaxRetries {
		t.Fatalf("expected pending with %d attempts, got %s/%d", s.policy.MaxRetries, last.Status, last.Attempts)
	}
	if last.NextRetryAt != nil {
		t.Fatal("frozen item must have no retry schedule")
	}
	if !last.Frozen(s.policy.MaxRetries) {
		t.Fatal("expected item reported frozen")
	}

	// frozen: excluded from both dispatch paths
	next, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if next != nil {
		t.Fatal("frozen item must not surface via NextPending")
	}
	eligible, err := s.RetryEligible(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("retry eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatal("frozen item must not surface via RetryEligible")
	}

	// manual reset is the only escape
	if err := s.ResetAttempts(ctx, item.ID); err != nil {
		t.Fatalf("reset attempts: %v", err)
	}
	next, err = s.NextPending(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if next == nil || next.ID != item.ID {
		t.Fatal("reset item must be immediately eligible")
	}
	if next.Attempts != 0 || next.LastError != "" || next.NextRetryAt != nil {
		t.Fatal("reset must clear failure history")
	}
}

func TestTransientFailureThenRecovery(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	item, err := s.Enqueue(ctx, transcript("eventually delivered"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSending(ctx, item.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	failed, err := s.MarkFailed(ctx, item.ID, "http 500")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", failed.Attempts)
	}
	wantDelay := s.policy.BackoffBase
	if got := failed.NextRetryAt.Sub(*failed.LastAttemptAt); got != wantDelay {
		t.Fatalf("expected first retry after %v, got %v", wantDelay, got)
	}

	if _, err := s.MarkSending(ctx, item.ID); err != nil {
		t.Fatalf("mark sending retry: %v", err)
	}
	sent, err := s.MarkSent(ctx, item.ID, `{"status":201}`)
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if sent.Attempts != 2 {
		t.Fatalf("expected archived attempts 2, got %d", sent.Attempts)
	}

	archived, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if archived.Status != StatusSent || archived.SentAt == nil {
		t.Fatal("expected archived sent record")
	}
	if archived.Response != `{"status":201}` {
		t.Fatalf("unexpected archived response: %q", archived.Response)
	}

	// active and archive sets are disjoint
	if _, err := s.MarkSending(ctx, item.ID); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("archived item must leave the active set, got %v", err)
	}
}

func TestCleanupTouchesOnlyArchive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return old }

	sentItem, err := s.Enqueue(ctx, transcript("old sent"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSent(ctx, sentItem.ID, `{"status":200}`); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := s.Enqueue(ctx, transcript("old pending")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.clock = func() time.Time { return old.AddDate(0, 0, 60) }
	removed, err := s.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 archived item removed, got %d", removed)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 1 {
		t.Fatalf("cleanup must not touch active items, pending=%d", st.Pending)
	}
	if st.Sent != 0 {
		t.Fatalf("expected empty archive, sent=%d", st.Sent)
	}
}

func TestStatsBuckets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, transcript("fresh")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	inflight, err := s.Enqueue(ctx, transcript("inflight"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSending(ctx, inflight.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}

	failing, err := s.Enqueue(ctx, transcript("failing"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSending(ctx, failing.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if _, err := s.MarkFailed(ctx, failing.ID, "http 502"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	done, err := s.Enqueue(ctx, transcript("done"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSent(ctx, done.ID, `{"status":201}`); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Pending: 2, Sending: 1, Sent: 1, Failed: 1, Exhausted: 0}
	if st != want {
		t.Fatalf("stats mismatch: got %+v want %+v", st, want)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.QueueConfig{
		Path:          filepath.Join(dir, "queue.db"),
		MaxRetries:    5,
		BackoffBaseMS: 1000,
		BackoffCapMS:  60000,
	}
	ctx := context.Background()

	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	item, err := s.Enqueue(ctx, transcript("survives restart"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.NextPending(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if got == nil || got.ID != item.ID {
		t.Fatal("expected enqueued item to survive reopen")
	}
	if got.Text != "survives restart" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
}
