// Package influx writes GPU samples to InfluxDB v2.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

const (
	measurement    = "gpu_metrics"
	connectTimeout = 10 * time.Second
	batchSize      = 100
	// flushIntervalMS is in milliseconds, as the client expects.
	flushIntervalMS = 5000
)

// ErrUnhealthy is returned when the server answers the ping but reports
// itself as not ready.
var ErrUnhealthy = errors.New("influxdb server not healthy")

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink batches samples into the non-blocking InfluxDB write API.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
}

// Connect pings the server and prepares a batched writer for the bucket.
func Connect(ctx context.Context, cfg config.InfluxConfig, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMS),
	)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping influxdb %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("ping influxdb %s: %w", cfg.URL, ErrUnhealthy)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, logger)
	s.client = client
	go s.logWriteErrors(writeAPI.Errors())

	s.logger.Info("influxdb sink ready", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return s, nil
}

func newSink(writer pointWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: writer, logger: logger.With("component", "influx_sink")}
}

func (s *Sink) logWriteErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Warn("influxdb write failed", "err", err)
	}
}

// Run writes every received sample until ctx is done or samples is closed.
func (s *Sink) Run(ctx context.Context, samples <-chan sampler.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			s.Write(sample)
		}
	}
}

// Write queues one sample. Samples without measurements are skipped.
func (s *Sink) Write(sample sampler.Sample) {
	point, ok := NewPoint(sample)
	if !ok {
		s.logger.Debug("skipping empty sample", "gpu_id", sample.GPUId)
		return
	}
	s.writer.WritePoint(point)
}

// Close flushes queued points and releases the client.
func (s *Sink) Close() error {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// NewPoint converts a sample into a gpu_metrics point tagged by gpu_id.
// It reports false when the sample carries no measurement.
func NewPoint(sample sampler.Sample) (*write.Point, bool) {
	fields := make(map[string]any)
	m := sample.Metrics

	putFloat := func(key string, v *float64) {
		if v != nil {
			fields[key] = *v
		}
	}
	putInt := func(key string, v *int64) {
		if v != nil {
			fields[key] = *v
		}
	}

	putFloat("power_usage_w", m.PowerUsage)
	putFloat("enforced_power_limit_w", m.EnforcedPowerLimit)
	putInt("energy_consumption_mj", m.EnergyConsumption)
	putInt("power_violation_us", m.PowerViolationTime)
	putInt("gpu_temp_c", m.GPUTemp)
	putInt("max_gpu_temp_c", m.MaxGPUTemp)
	putInt("thermal_violation_us", m.ThermalViolationTime)
	putInt("fb_total_mb", m.FBTotal)
	putInt("fb_free_mb", m.FBFree)
	putInt("fb_used_mb", m.FBUsed)
	putInt("gpu_util_pct", m.GPUUtil)
	putInt("sm_clock_mhz", m.SMClock)
	putInt("mem_clock_mhz", m.MemClock)
	if m.ClockThrottleReasons != nil {
		fields["clock_throttle_reasons"] = int64(*m.ClockThrottleReasons)
	}
	if sample.Activity != nil {
		fields["sm_active"] = sample.Activity.SMActive
	}

	if len(fields) == 0 {
		return nil, false
	}

	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(measurement, map[string]string{"gpu_id": sample.GPUId}, fields, ts), true
}
