package sampler

import (
	"time"

	"github.com/skobkin/dcgmtop-web/internal/dcgm"
)

// Sample represents a single telemetry snapshot for a GPU.
type Sample struct {
	GPUId     string    `json:"gpu_id"`
	Timestamp time.Time `json:"ts"`
	// Metrics fields serialize as absent when the daemon had no value.
	Metrics dcgm.Metrics `json:"metrics"`
	// Activity is nil when profiling is disabled or unavailable.
	Activity *dcgm.PowerActivity `json:"activity,omitempty"`
	Error    string              `json:"error,omitempty"`
}
