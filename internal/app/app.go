// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/dcgm"
	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/httpserver"
	"github.com/skobkin/dcgmtop-web/internal/influx"
	"github.com/skobkin/dcgmtop-web/internal/mqttpub"
	"github.com/skobkin/dcgmtop-web/internal/otelexport"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// sampleSink consumes the stream of samples for every GPU.
type sampleSink interface {
	Run(ctx context.Context, samples <-chan sampler.Sample) error
	Close() error
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	session, err := OpenSession(cfg.DCGM, baseLogger.With("component", "dcgm"))
	if err != nil {
		return fmt.Errorf("open dcgm session: %w", err)
	}

	gpus, err := gpu.Discover(session, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("discover gpus: %w", err)
	}
	appLogger.Info("discovered GPUs", "count", len(gpus), "dcgm_mode", cfg.DCGM.Mode)

	readers := make([]*sampler.Reader, 0, len(gpus))
	for _, info := range gpus {
		readerLogger := baseLogger.With("component", "sampler_reader")
		readers = append(readers, sampler.NewReader(session, info.Index, cfg.DCGM.Profiling, readerLogger))
	}

	// The manager owns the session from here on.
	samplerManager, err := sampler.NewManager(cfg.SampleInterval, readers, session, baseLogger.With("component", "sampler"))
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	sinkCtx, sinkCancel := context.WithCancel(ctx)
	var sinkWG sync.WaitGroup
	for name, sink := range openSinks(ctx, cfg, baseLogger) {
		samples, unsubscribe := samplerManager.SubscribeAll()
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			defer unsubscribe()
			if err := sink.Run(sinkCtx, samples); err != nil {
				appLogger.Warn("sink stopped", "sink", name, "err", err)
			}
			if err := sink.Close(); err != nil {
				appLogger.Warn("sink close", "sink", name, "err", err)
			}
		}()
	}
	defer func() {
		sinkCancel()
		sinkWG.Wait()
	}()

	var exporter *otelexport.Exporter
	if cfg.OTLP.Endpoint != "" {
		exporter, err = otelexport.New(ctx, cfg.OTLP, samplerManager, baseLogger.With("component", "otlp"))
		if err != nil {
			appLogger.Error("otlp exporter disabled", "err", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := exporter.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("otlp exporter shutdown", "err", err)
		}
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), gpus, samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			samplerCancel()
			if err != nil {
				return err
			}
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}
			return nil
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			samplerCancel()
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// OpenSession opens the DCGM session selected by the configured mode.
func OpenSession(cfg config.DCGMConfig, logger *slog.Logger) (*dcgm.Session, error) {
	opts := []dcgm.Option{dcgm.WithLogger(logger)}
	if cfg.LibraryPath != "" {
		opts = append(opts, dcgm.WithLibraryPath(cfg.LibraryPath))
	}

	switch cfg.Mode {
	case config.DCGMModeRemote:
		return dcgm.OpenRemote(cfg.Host, cfg.Port, opts...)
	case config.DCGMModeEmbedded, "":
		return dcgm.OpenEmbedded(opts...)
	default:
		return nil, fmt.Errorf("unsupported dcgm mode %q", cfg.Mode)
	}
}

// openSinks connects the optional sample sinks. A sink that cannot connect
// is logged and skipped so GPU monitoring keeps running.
func openSinks(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) map[string]sampleSink {
	sinks := make(map[string]sampleSink)

	if cfg.Influx.URL != "" {
		sink, err := influx.Connect(ctx, cfg.Influx, baseLogger)
		if err != nil {
			baseLogger.Error("influxdb sink disabled", "component", "app", "err", err)
		} else {
			sinks["influxdb"] = sink
		}
	}

	if cfg.MQTT.Broker != "" {
		pub, err := mqttpub.Connect(cfg.MQTT, baseLogger)
		if err != nil {
			baseLogger.Error("mqtt sink disabled", "component", "app", "err", err)
		} else {
			sinks["mqtt"] = pub
		}
	}

	return sinks
}
