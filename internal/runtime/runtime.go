package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/jesuslovei/memory-check-drive/internal/archive"
	"github.com/jesuslovei/memory-check-drive/internal/bus"
	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/config"
	"github.com/jesuslovei/memory-check-drive/internal/history"
	"github.com/jesuslovei/memory-check-drive/internal/ledger"
	"github.com/jesuslovei/memory-check-drive/internal/natsserver"
	"github.com/jesuslovei/memory-check-drive/internal/scoring"
	"github.com/jesuslovei/memory-check-drive/internal/submission"
	"github.com/jesuslovei/memory-check-drive/internal/transcribe"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	history     *history.Store
	bus         *bus.Client
	nats        *natsserver.EmbeddedServer

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start assembles the pipeline, serves HTTP until ctx is cancelled, then
// shuts everything down. A catalog that cannot be loaded is returned before
// anything listens.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	svc, err := r.assemble(ctx)
	if err != nil {
		return err
	}

	handler := NewRouter(APIOptions{
		Engine:         svc.Engine(),
		Submitter:      svc,
		History:        r.history,
		Metrics:        metricsHandler,
		StaticDir:      r.cfg.HTTP.StaticDir,
		MaxUploadBytes: int64(r.cfg.HTTP.MaxUploadMB) << 20,
		Ready:          r.ready.Load,
		Logger:         r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	if r.history.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.history.RunPruner(ctx, pruneInterval)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// assemble builds the submission service from configuration.
func (r *Runtime) assemble(ctx context.Context) (*submission.Service, error) {
	cat, err := catalog.Load(r.cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.New(r.cfg.Scoring.Algorithm)
	if err != nil {
		return nil, err
	}
	engine, err := verdict.NewEngine(cat, scorer, r.cfg.Scoring.Threshold, r.cfg.Languages.Supported())
	if err != nil {
		return nil, err
	}
	for _, lang := range engine.Languages() {
		for i := 0; i < cat.Len(); i++ {
			if v, _ := cat.Verse(i); v.TextFor(lang) == "" {
				r.logger.Warn("verse has no text for language",
					slog.String("verse", v.ID), slog.String("lang", lang))
			}
		}
	}

	provider, err := transcribe.New(r.cfg.Transcription)
	if err != nil {
		return nil, fmt.Errorf("transcription provider: %w", err)
	}
	if r.cfg.Transcription.Mode == "mock" {
		r.logger.Warn("mock transcription is active; every upload gets the same transcript and grades are not real",
			slog.String("mock_text", r.cfg.Transcription.MockText))
	}

	archiver, err := archive.New(r.cfg.Archive, r.logger)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	var mirror ledger.Mirrorer
	if archiver.Enabled() {
		mirror = archiver
	}
	ldg, err := ledger.New(afero.NewOsFs(), ledger.Options{
		Path:         r.cfg.Ledger.Path,
		Mirror:       r.cfg.Ledger.Mirror,
		LogsCategory: r.cfg.Archive.LogsCategory,
	}, mirror, r.logger)
	if err != nil {
		return nil, err
	}

	r.history, err = history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	deps := submission.Deps{
		Engine:   engine,
		Provider: provider,
		Archiver: archiver,
		Ledger:   ldg,
		History:  r.history,
		FS:       afero.NewOsFs(),
		Logger:   r.logger,
	}
	if r.cfg.Bus.Enabled {
		if client := r.connectBus(ctx); client != nil {
			deps.Publisher = client
		}
	}

	r.logger.Info("pipeline assembled",
		slog.Int("verses", cat.Len()),
		slog.Any("languages", engine.Languages()),
		slog.Float64("threshold", engine.Threshold()),
		slog.String("transcription", r.cfg.Transcription.Mode),
		slog.String("archive", r.cfg.Archive.Provider),
		slog.String("history", r.cfg.History.RetentionMode),
	)

	return submission.NewService(deps, submission.Options{
		UploadDir:     r.cfg.Uploads.Dir,
		AudioCategory: r.cfg.Archive.AudioCategory,
	})
}

// connectBus starts the embedded server when configured and connects to it.
// Events are a side channel, so a bus that cannot be reached only disables
// publishing.
func (r *Runtime) connectBus(ctx context.Context) *bus.Client {
	cfg := r.cfg.Bus
	if cfg.Embedded {
		srv, err := natsserver.Start(cfg, r.logger)
		if err != nil {
			r.logger.Warn("embedded nats unavailable, events disabled", slog.String("error", err.Error()))
			return nil
		}
		r.nats = srv
		cfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Warn("nats unavailable, events disabled", slog.String("error", err.Error()))
		return nil
	}
	r.bus = client
	return client
}

func (r *Runtime) closeAll() {
	r.bus.Close()
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
