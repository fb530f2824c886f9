package httpserver

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

type gpuMetricsCollector struct {
	sampler *sampler.Manager
	gpus    []gpu.Info
	metrics []gpuMetric
}

type gpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(sample sampler.Sample) (float64, bool)
}

func fromFloat(get func(sampler.Sample) *float64) func(sampler.Sample) (float64, bool) {
	return func(sample sampler.Sample) (float64, bool) {
		v := get(sample)
		if v == nil {
			return 0, false
		}
		return *v, true
	}
}

func fromInt(scale float64, get func(sampler.Sample) *int64) func(sampler.Sample) (float64, bool) {
	return func(sample sampler.Sample) (float64, bool) {
		v := get(sample)
		if v == nil {
			return 0, false
		}
		return float64(*v) * scale, true
	}
}

const (
	mebibyte    = 1 << 20
	microsecond = 1e-6
	millijoule  = 1e-3
)

func newGPUMetricsCollector(gpus []gpu.Info, samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil || len(gpus) == 0 {
		return nil
	}

	collector := &gpuMetricsCollector{
		sampler: samplerManager,
		gpus:    append([]gpu.Info(nil), gpus...),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			[]string{"gpu_id"},
			nil,
		)
	}

	collector.metrics = []gpuMetric{
		{
			desc:      desc("power_watts", "Current GPU power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract:   fromFloat(func(s sampler.Sample) *float64 { return s.Metrics.PowerUsage }),
		},
		{
			desc:      desc("power_limit_watts", "Enforced power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract:   fromFloat(func(s sampler.Sample) *float64 { return s.Metrics.EnforcedPowerLimit }),
		},
		{
			desc:      desc("energy_joules_total", "Energy consumed since the driver was loaded."),
			valueType: prometheus.CounterValue,
			extract:   fromInt(millijoule, func(s sampler.Sample) *int64 { return s.Metrics.EnergyConsumption }),
		},
		{
			desc:      desc("power_violation_seconds_total", "Time spent throttled by the power limit."),
			valueType: prometheus.CounterValue,
			extract:   fromInt(microsecond, func(s sampler.Sample) *int64 { return s.Metrics.PowerViolationTime }),
		},
		{
			desc:      desc("thermal_violation_seconds_total", "Time spent throttled by thermal limits."),
			valueType: prometheus.CounterValue,
			extract:   fromInt(microsecond, func(s sampler.Sample) *int64 { return s.Metrics.ThermalViolationTime }),
		},
		{
			desc:      desc("temperature_celsius", "Current GPU temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(1, func(s sampler.Sample) *int64 { return s.Metrics.GPUTemp }),
		},
		{
			desc:      desc("max_operating_temperature_celsius", "Maximum operating temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(1, func(s sampler.Sample) *int64 { return s.Metrics.MaxGPUTemp }),
		},
		{
			desc:      desc("fb_total_bytes", "Total framebuffer memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(mebibyte, func(s sampler.Sample) *int64 { return s.Metrics.FBTotal }),
		},
		{
			desc:      desc("fb_free_bytes", "Free framebuffer memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(mebibyte, func(s sampler.Sample) *int64 { return s.Metrics.FBFree }),
		},
		{
			desc:      desc("fb_used_bytes", "Used framebuffer memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(mebibyte, func(s sampler.Sample) *int64 { return s.Metrics.FBUsed }),
		},
		{
			desc:      desc("utilization_percent", "Current GPU utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(1, func(s sampler.Sample) *int64 { return s.Metrics.GPUUtil }),
		},
		{
			desc:      desc("sm_clock_mhz", "Current SM clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(1, func(s sampler.Sample) *int64 { return s.Metrics.SMClock }),
		},
		{
			desc:      desc("mem_clock_mhz", "Current memory clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract:   fromInt(1, func(s sampler.Sample) *int64 { return s.Metrics.MemClock }),
		},
		{
			desc:      desc("clock_throttle_reasons", "Bitmask of active clock throttle reasons."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Metrics.ClockThrottleReasons == nil {
					return 0, false
				}
				return float64(*sample.Metrics.ClockThrottleReasons), true
			},
		},
		{
			desc:      desc("sm_active_ratio", "Fraction of time at least one warp was active on an SM."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Activity == nil {
					return 0, false
				}
				return sample.Activity.SMActive, true
			},
		},
		{
			desc:      desc("sample_error", "1 if the latest poll failed."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Error != "" {
					return 1, true
				}
				return 0, true
			},
		},
		{
			desc:      desc("sample_timestamp_seconds", "Unix timestamp of the latest GPU sample."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return float64(sample.Timestamp.Unix()), true
			},
		},
		{
			desc:      desc("sample_age_seconds", "Seconds elapsed since the latest GPU sample was collected."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(sample.Timestamp).Seconds(), 0), true
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.sampler == nil {
		return
	}
	for _, info := range c.gpus {
		sample, ok := c.sampler.Latest(info.ID)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(sample)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, info.ID)
		}
	}
}

// metricsHandler serves a private registry with the stream counters and,
// when a sampler is wired, the per-GPU collector.
func (s *Server) metricsHandler() http.Handler {
	wsCounter := func(name, help string, value *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value.Load()) })
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "WebSocket clients currently streaming.",
		}, func() float64 { return float64(s.ws.active.Load()) }),
		wsCounter("connections_total", "WebSocket connections accepted.", &s.ws.total),
		wsCounter("rejected_total", "WebSocket connections refused at capacity.", &s.ws.rejected),
		wsCounter("messages_sent_total", "WebSocket frames written to clients.", &s.ws.sent),
		wsCounter("messages_dropped_total", "Queued WebSocket frames discarded for slow clients.", &s.ws.dropped),
	)
	if collector := newGPUMetricsCollector(s.gpus, s.sampler); collector != nil {
		registry.MustRegister(collector)
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
