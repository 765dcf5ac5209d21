// Package connectivity probes reachability of the delivery endpoint and
// reports online/offline transitions to registered listeners.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur/internal/config"
)

// Prober answers whether the delivery endpoint is currently reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// EndpointProber checks reachability in two steps: DNS resolution of the
// endpoint host, then an HTTP GET against the endpoint's /health path. A
// resolvable host with an unreachable health endpoint counts as offline.
type EndpointProber struct {
	host      string
	healthURL string
	resolver  *net.Resolver
	client    *http.Client
}

// NewEndpointProber derives the probe targets from the delivery endpoint URL.
func NewEndpointProber(cfg config.DeliveryConfig) (*EndpointProber, error) {
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("endpoint url %q has no host", cfg.EndpointURL)
	}
	health := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}
	return &EndpointProber{
		host:      u.Hostname(),
		healthURL: health.String(),
		resolver:  net.DefaultResolver,
		client: &http.Client{
			Timeout: time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		},
	}, nil
}

func (p *EndpointProber) Probe(ctx context.Context) error {
	if _, err := p.resolver.LookupHost(ctx, p.host); err != nil {
		return fmt.Errorf("resolve %s: %w", p.host, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Monitor runs periodic probes and fires edge-triggered callbacks when the
// observed state flips. It starts offline; the first probe runs immediately so
// a reachable endpoint is detected at startup without waiting a full interval.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	clock    func() time.Time

	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool, at time.Time)
}

func NewMonitor(cfg config.DeliveryConfig, prober Prober, log *slog.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: time.Duration(cfg.ProbeIntervalMS) * time.Millisecond,
		timeout:  time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		log:      log,
		clock:    time.Now,
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers a callback fired once per state transition. Register
// before Run; callbacks run on the monitor goroutine and must not block.
func (m *Monitor) OnChange(fn func(online bool, at time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ForceOffline demotes the monitor to offline immediately, firing the offline
// edge if it was online. Senders call this when a request fails with a
// connectivity-class error so dispatch stops without waiting for the next
// probe tick; the periodic probe decides when to go back online.
func (m *Monitor) ForceOffline(reason string) {
	if m.online.CompareAndSwap(true, false) {
		m.log.Warn("forced offline", slog.String("reason", reason))
		m.notify(false, m.clock().UTC())
	}
}

// Run probes until ctx is cancelled. It returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	now := m.clock().UTC()
	reachable := err == nil
	if m.online.CompareAndSwap(!reachable, reachable) {
		if reachable {
			m.log.Info("endpoint reachable, going online")
		} else {
			m.log.Warn("endpoint unreachable, going offline", slog.String("error", err.Error()))
		}
		m.notify(reachable, now)
	}
}

func (m *Monitor) notify(online bool, at time.Time) {
	m.mu.Lock()
	listeners := make([]func(bool, time.Time), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(online, at)
	}
}
