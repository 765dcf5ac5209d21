// Package runtime assembles the dictation pipeline: audio source, segmenter,
// transcriber, durable queue, connectivity monitor, and sender, plus the admin
// HTTP surface and telemetry.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur/internal/audio"
	"github.com/murmurlabs/murmur/internal/bus"
	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/connectivity"
	"github.com/murmurlabs/murmur/internal/natsserver"
	"github.com/murmurlabs/murmur/internal/protocol"
	"github.com/murmurlabs/murmur/internal/queue"
	"github.com/murmurlabs/murmur/internal/sender"
	"github.com/murmurlabs/murmur/internal/stt"
	"github.com/murmurlabs/murmur/internal/vad"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	source audio.Source

	store       *queue.Store
	monitor     *connectivity.Monitor
	sender      *sender.Sender
	segmenter   *vad.Segmenter
	transcriber *stt.Transcriber
	busClient   *bus.Client
	natsServer  *natsserver.EmbeddedServer

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	startedAt   time.Time
	wg          sync.WaitGroup
}

// New builds a runtime around the given audio source. The source may be nil,
// in which case capture is disabled and the daemon only drains its queue.
func New(cfg config.Config, logger *slog.Logger, source audio.Source) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		source: source,
	}
}

// Start runs the pipeline until ctx is cancelled. A fatal audio device failure
// also stops the runtime; queued items survive in the store either way.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.startedAt = time.Now().UTC()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := queue.Open(ctx, r.cfg.Queue, r.logger)
	if err != nil {
		return fmt.Errorf("open delivery queue: %w", err)
	}
	r.store = store
	defer store.Close()

	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.natsServer = ns
		defer r.natsServer.Shutdown()

		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		r.busClient = client
		defer r.busClient.Close()
	}

	prober, err := connectivity.NewEndpointProber(r.cfg.Delivery)
	if err != nil {
		return fmt.Errorf("configure endpoint prober: %w", err)
	}
	r.monitor = connectivity.NewMonitor(r.cfg.Delivery, prober, r.logger)
	r.monitor.OnChange(func(online bool, at time.Time) {
		if r.busClient != nil {
			r.busClient.PublishConnectivity(protocol.ConnectivityEvent{Online: online, Timestamp: at})
		}
	})

	r.sender = sender.New(r.cfg.Delivery, store, r.monitor, r.logger, func(ev protocol.DeliveryEvent) {
		if r.busClient != nil {
			r.busClient.PublishDelivery(ev)
		}
	})

	recognizer, err := r.buildRecognizer()
	if err != nil {
		return fmt.Errorf("configure recognizer: %w", err)
	}
	r.transcriber = stt.NewTranscriber(r.cfg.STT, recognizer, r.logger, func(t protocol.Transcript) {
		if _, err := store.Enqueue(ctx, t); err != nil {
			r.logger.Error("enqueue transcript failed", slog.String("error", err.Error()))
			return
		}
		if r.busClient != nil {
			r.busClient.PublishTranscript(t)
		}
	})

	r.segmenter = vad.New(r.cfg.VAD, r.cfg.Audio, r.logger, func(seg *audio.Segment) {
		if err := r.transcriber.Submit(ctx, seg); err != nil {
			r.logger.Warn("segment dropped", slog.String("error", err.Error()))
		}
	})

	if err := registerMetrics(r); err != nil {
		r.logger.Warn("metrics registration failed", slog.String("error", err.Error()))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Admin.Bind, r.cfg.Admin.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.adminMux(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.spawn(func() {
		if err := r.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("monitor stopped", slog.String("error", err.Error()))
		}
	})
	r.spawn(func() {
		if err := r.sender.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("sender stopped", slog.String("error", err.Error()))
		}
	})
	r.spawn(func() {
		if err := r.transcriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("transcriber stopped", slog.String("error", err.Error()))
		}
	})
	if r.source != nil {
		r.spawn(func() {
			err := r.segmenter.Run(ctx, r.source)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("audio capture failed", slog.String("error", err.Error()))
				cancel(err)
			}
		})
	} else {
		r.logger.Info("no audio source configured, running in drain-only mode")
	}
	r.spawn(func() { r.cleanupLoop(ctx) })

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("endpoint", r.cfg.Delivery.EndpointURL))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) buildRecognizer() (stt.Recognizer, error) {
	switch r.cfg.STT.Mode {
	case "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(r.cfg.STT)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", r.cfg.STT.Mode)
	}
}

// cleanupLoop prunes old archive rows at startup and then daily.
func (r *Runtime) cleanupLoop(ctx context.Context) {
	if r.cfg.Queue.RetentionDays <= 0 {
		return
	}
	run := func() {
		removed, err := r.store.Cleanup(ctx, r.cfg.Queue.RetentionDays)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("queue cleanup failed", slog.String("error", err.Error()))
			}
			return
		}
		if removed > 0 {
			r.logger.Info("queue cleanup", slog.Int("removed", removed))
		}
	}
	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (r *Runtime) adminMux(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /queue", r.handleQueueList)
	mux.HandleFunc("POST /queue/{id}/retry", r.handleQueueRetry)
	mux.HandleFunc("POST /queue/{id}/send", r.handleQueueSend)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	Uptime       string      `json:"uptime"`
	Online       bool        `json:"online"`
	Capture      string      `json:"capture"`
	Segments     uint64      `json:"segments_finalized"`
	Discarded    uint64      `json:"segments_discarded"`
	Transcripts  uint64      `json:"transcripts_produced"`
	EmptyResults uint64      `json:"transcripts_empty"`
	STTFailures  uint64      `json:"stt_failures"`
	Delivered    int64       `json:"delivered"`
	Failed       int64       `json:"delivery_failures"`
	Queue        queue.Stats `json:"queue"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	stats, err := r.store.Stats(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Uptime:       time.Since(r.startedAt).Round(time.Second).String(),
		Online:       r.monitor.Online(),
		Capture:      r.segmenter.State(),
		Segments:     r.segmenter.Finalized(),
		Discarded:    r.segmenter.Discarded(),
		Transcripts:  r.transcriber.Produced(),
		EmptyResults: r.transcriber.Empty(),
		STTFailures:  r.transcriber.Failed(),
		Delivered:    r.sender.Delivered(),
		Failed:       r.sender.Failed(),
		Queue:        stats,
	}
	writeJSON(w, resp)
}

func (r *Runtime) handleQueueList(w http.ResponseWriter, req *http.Request) {
	items, err := r.store.List(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, items)
}

func (r *Runtime) handleQueueRetry(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.sender.RetryItem(req.Context(), id); err != nil {
		r.queueOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleQueueSend(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.sender.ForceSend(req.Context(), id); err != nil {
		r.queueOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) queueOpError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrItemNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusConflict)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
