package sampler

import (
	"log/slog"
	"time"

	"github.com/skobkin/dcgmtop-web/internal/dcgm"
	"github.com/skobkin/dcgmtop-web/internal/gpu"
)

// Source is the part of a DCGM session a Reader polls.
type Source interface {
	BasicMetrics(device uint) (dcgm.Metrics, error)
	PowerActivity(device uint) (dcgm.PowerActivity, error)
}

// Reader fetches telemetry metrics for a single GPU.
type Reader struct {
	gpuID     string
	device    uint
	src       Source
	profiling bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewReader constructs a Reader for one DCGM GPU index. With profiling the
// reader also requests the power and SM activity pair until the daemon
// refuses it for lack of privileges.
func NewReader(src Source, device uint, profiling bool, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	gpuID := gpu.FormatID(device)
	return &Reader{
		gpuID:     gpuID,
		device:    device,
		src:       src,
		profiling: profiling,
		logger:    logger.With("gpu_id", gpuID),
		now:       time.Now,
	}
}

// GPUID returns the public identifier of the GPU.
func (r *Reader) GPUID() string {
	return r.gpuID
}

// Sample collects metrics for the GPU. Read errors leave the metrics empty
// and are reported in Sample.Error.
func (r *Reader) Sample() Sample {
	sample := Sample{GPUId: r.gpuID}

	metrics, err := r.src.BasicMetrics(r.device)
	if err != nil {
		r.logger.Warn("failed to read gpu metrics", "err", err)
		sample.Error = err.Error()
		metrics = dcgm.Metrics{DeviceID: r.device}
	}
	sample.Metrics = metrics

	if r.profiling {
		sample.Activity = r.readActivity()
	}

	switch {
	case metrics.Timestamp > 0:
		sample.Timestamp = time.UnixMicro(metrics.Timestamp).UTC()
	case sample.Activity != nil && sample.Activity.Timestamp > 0:
		sample.Timestamp = time.UnixMicro(sample.Activity.Timestamp).UTC()
	default:
		sample.Timestamp = r.now().UTC()
	}

	return sample
}

func (r *Reader) readActivity() *dcgm.PowerActivity {
	activity, err := r.src.PowerActivity(r.device)
	if err != nil {
		if dcgm.IsElevatedAccess(err) {
			r.logger.Warn("profiling metrics need elevated access, disabling", "err", err)
			r.profiling = false
			return nil
		}
		r.logger.Debug("failed to read power activity", "err", err)
		return nil
	}
	return &activity
}
