package api

import (
	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	DCGMMode   string          `json:"dcgm_mode"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, dcgmMode string, gpus []gpu.Info, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		DCGMMode:   dcgmMode,
		GPUs:       gpus,
		Features:   features,
	}
}

// StatsMessage wraps a sampler snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests subscription to GPU telemetry.
type SubscribeMessage struct {
	Type  string `json:"type"`
	GPUId string `json:"gpu_id"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
