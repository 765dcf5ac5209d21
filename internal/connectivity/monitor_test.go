package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/murmurlabs/murmur/internal/config"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func testMonitor(t *testing.T, p Prober) *Monitor {
	t.Helper()
	cfg := config.DeliveryConfig{ProbeIntervalMS: 10, ProbeTimeoutMS: 50}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMonitor(cfg, p, log)
}

func waitEvent(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connectivity event")
		return false
	}
}

func TestMonitorStartsOfflineAndDetectsEndpoint(t *testing.T) {
	p := &fakeProber{}
	m := testMonitor(t, p)
	if m.Online() {
		t.Fatal("monitor must start offline")
	}

	events := make(chan bool, 16)
	m.OnChange(func(online bool, _ time.Time) { events <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if !waitEvent(t, events) {
		t.Fatal("expected online edge")
	}
	if !m.Online() {
		t.Fatal("expected online state")
	}
}

func TestMonitorEdgeTriggeredOnce(t *testing.T) {
	p := &fakeProber{}
	m := testMonitor(t, p)

	events := make(chan bool, 16)
	m.OnChange(func(online bool, _ time.Time) { events <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if !waitEvent(t, events) {
		t.Fatal("expected online edge")
	}

	p.set(errors.New("connection refused"))
	if waitEvent(t, events) {
		t.Fatal("expected offline edge")
	}

	// state holds; repeated failing probes fire no further events
	time.Sleep(100 * time.Millisecond)
	select {
	case v := <-events:
		t.Fatalf("unexpected extra event: online=%v", v)
	default:
	}

	p.set(nil)
	if !waitEvent(t, events) {
		t.Fatal("expected recovery edge")
	}
}

func TestForceOffline(t *testing.T) {
	p := &fakeProber{}
	m := testMonitor(t, p)
	m.online.Store(true)

	events := make(chan bool, 16)
	m.OnChange(func(online bool, _ time.Time) { events <- online })

	m.ForceOffline("post timeout")
	if m.Online() {
		t.Fatal("expected offline after force")
	}
	if waitEvent(t, events) {
		t.Fatal("expected offline edge")
	}

	// already offline: no duplicate edge
	m.ForceOffline("post timeout")
	select {
	case <-events:
		t.Fatal("duplicate offline edge")
	default:
	}
}

func TestEndpointProberHealthCheck(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected probe path %q", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	cfg := config.DeliveryConfig{
		EndpointURL:    srv.URL + "/api/transcripts",
		ProbeTimeoutMS: 1000,
	}
	p, err := NewEndpointProber(cfg)
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}

	status = http.StatusOK
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("expected reachable, got %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected 503 to count as unreachable")
	}
}

func TestNewEndpointProberRejectsBadURL(t *testing.T) {
	_, err := NewEndpointProber(config.DeliveryConfig{EndpointURL: "/no-host"})
	if err == nil {
		t.Fatal("expected error for endpoint without host")
	}
}
