// Package sender dispatches queued transcripts to the remote endpoint. It only
// runs delivery cycles while the connectivity monitor reports the endpoint
// reachable, and demotes itself to idle on transport-level failures.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/connectivity"
	"github.com/murmurlabs/murmur/internal/protocol"
	"github.com/murmurlabs/murmur/internal/queue"
)

// payload is the wire format POSTed to the endpoint for each queue item.
type payload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	QueuedAt  string `json:"queued_at"`
	Attempt   int    `json:"attempt"`
}

// Sender drains the delivery queue toward the configured endpoint. Dispatch
// cycles run on a fixed interval while online, plus one immediately on every
// offline-to-online transition for prompt catch-up after an outage.
type Sender struct {
	cfg     config.DeliveryConfig
	store   *queue.Store
	monitor *connectivity.Monitor
	client  *http.Client
	log     *slog.Logger
	clock   func() time.Time
	emit    func(protocol.DeliveryEvent)

	wake chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

func New(cfg config.DeliveryConfig, store *queue.Store, monitor *connectivity.Monitor, log *slog.Logger, emit func(protocol.DeliveryEvent)) *Sender {
	if emit == nil {
		emit = func(protocol.DeliveryEvent) {}
	}
	s := &Sender{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		},
		log:   log,
		clock: time.Now,
		emit:  emit,
		wake:  make(chan struct{}, 1),
	}
	monitor.OnChange(s.handleConnectivity)
	return s
}

// Delivered returns the number of items successfully delivered since start.
func (s *Sender) Delivered() int64 { return s.delivered.Load() }

// Failed returns the number of delivery attempts that failed since start.
func (s *Sender) Failed() int64 { return s.failed.Load() }

func (s *Sender) handleConnectivity(online bool, _ time.Time) {
	if !online {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled. It returns ctx.Err().
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(s.cfg.DispatchIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if s.monitor.Online() {
				s.cycle(ctx)
			}
		case <-ticker.C:
			if s.monitor.Online() {
				s.cycle(ctx)
			}
		}
	}
}

// cycle claims one batch of deliverable items and sends them concurrently,
// bounded by MaxConcurrent. A transport failure aborts the rest of the batch.
func (s *Sender) cycle(ctx context.Context) {
	now := s.clock().UTC()

	var candidates []*queue.Item
	next, err := s.store.NextPending(ctx)
	if err != nil {
		s.log.Error("queue read failed", slog.String("error", err.Error()))
		return
	}
	if next != nil {
		candidates = append(candidates, next)
	}
	retries, err := s.store.RetryEligible(ctx, now)
	if err != nil {
		s.log.Error("queue read failed", slog.String("error", err.Error()))
		return
	}
	candidates = append(candidates, retries...)
	if len(candidates) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var aborted atomic.Bool
	var wg sync.WaitGroup
	for _, item := range candidates {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(it *queue.Item) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.deliver(ctx, it.ID); err != nil {
				aborted.Store(true)
			}
		}(item)
	}
	wg.Wait()
}

// deliver claims a single item and posts it. The returned error is non-nil
// only for transport-level failures, which take the sender offline; HTTP error
// statuses are recorded against the item and retried later.
func (s *Sender) deliver(ctx context.Context, id string) error {
	item, err := s.store.MarkSending(ctx, id)
	if err != nil {
		// claimed by a concurrent cycle, or already archived
		s.log.Debug("claim skipped", slog.String("id", id), slog.String("reason", err.Error()))
		return nil
	}

	body, err := json.Marshal(payload{
		ID:        item.ID,
		Timestamp: item.TranscriptAt.Format(time.RFC3339),
		Text:      item.Text,
		QueuedAt:  item.CreatedAt.Format(time.RFC3339),
		Attempt:   item.Attempts,
	})
	if err != nil {
		return s.recordFailure(ctx, item, fmt.Sprintf("encode payload: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return s.recordFailure(ctx, item, fmt.Sprintf("build request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// transport failure: endpoint presumed unreachable
		s.monitor.ForceOffline(err.Error())
		return s.recordFailure(ctx, item, err.Error(), true)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordFailure(ctx, item, fmt.Sprintf("endpoint returned %d", resp.StatusCode), false)
	}

	sent, err := s.store.MarkSent(ctx, item.ID, string(respBody))
	if err != nil {
		s.log.Error("mark sent failed", slog.String("id", item.ID), slog.String("error", err.Error()))
		return nil
	}
	s.delivered.Add(1)
	s.log.Info("transcript delivered",
		slog.String("id", sent.ID), slog.Int("attempt", sent.Attempts))
	s.emit(protocol.DeliveryEvent{
		ItemID:    sent.ID,
		Status:    string(queue.StatusSent),
		Attempt:   sent.Attempts,
		Timestamp: s.clock().UTC(),
	})
	return nil
}

func (s *Sender) recordFailure(ctx context.Context, item *queue.Item, cause string, transport bool) error {
	s.failed.Add(1)
	failed, err := s.store.MarkFailed(ctx, item.ID, cause)
	if err != nil {
		s.log.Error("mark failed failed", slog.String("id", item.ID), slog.String("error", err.Error()))
	} else {
		s.emit(protocol.DeliveryEvent{
			ItemID:    failed.ID,
			Status:    string(failed.Status),
			Attempt:   failed.Attempts,
			Timestamp: s.clock().UTC(),
		})
	}
	s.log.Warn("delivery failed",
		slog.String("id", item.ID), slog.Int("attempt", item.Attempts), slog.String("cause", cause))
	if transport {
		return fmt.Errorf("deliver %s: %s", item.ID, cause)
	}
	return nil
}

// ForceSend attempts immediate delivery of one item, bypassing its retry
// schedule. Requires the endpoint to be reachable: sending while offline would
// only burn an attempt on a doomed request.
func (s *Sender) ForceSend(ctx context.Context, id string) error {
	if !s.monitor.Online() {
		return fmt.Errorf("endpoint offline, not sending %s", id)
	}
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == queue.StatusSent {
		return fmt.Errorf("item %s already delivered", id)
	}
	if item.Frozen(s.store.Policy().MaxRetries) {
		if err := s.store.ResetAttempts(ctx, id); err != nil {
			return err
		}
	}
	return s.deliver(ctx, id)
}

// RetryItem clears an item's failure history and schedules an immediate
// dispatch pass instead of waiting out the dispatch interval.
func (s *Sender) RetryItem(ctx context.Context, id string) error {
	if err := s.store.ResetAttempts(ctx, id); err != nil {
		return err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}
