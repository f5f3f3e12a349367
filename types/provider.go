package types

import "time"

// ProviderHealth is the derived health of a provider instance. Health is
// derived from execution outcomes and heartbeat freshness; providers never
// self-assert it.
type ProviderHealth string

const (
	ProviderHealthy      ProviderHealth = "healthy"
	ProviderDegraded     ProviderHealth = "degraded"
	ProviderUnhealthy    ProviderHealth = "unhealthy"
	ProviderDisconnected ProviderHealth = "disconnected"
)

// Dispatchable reports whether the registry may route new work to a provider
// in this health state.
func (h ProviderHealth) Dispatchable() bool {
	return h == ProviderHealthy || h == ProviderDegraded
}

// ProviderInfo describes one execution backend implementing a protocol.
type ProviderInfo struct {
	// ID uniquely identifies the provider instance.
	ID string `json:"id"`

	// Protocol is the provider family ("llm", "coderunner", ...).
	Protocol string `json:"protocol"`

	// Capabilities lists the methods the provider can execute.
	Capabilities []string `json:"capabilities"`

	// Health is the registry-derived health state.
	Health ProviderHealth `json:"health"`

	// SuccessRate is the rolling success rate over recent executions, 0..1.
	SuccessRate float64 `json:"success_rate"`

	// AvgLatency is the exponentially weighted average execution latency.
	AvgLatency time.Duration `json:"avg_latency"`

	// CurrentLoad is the number of in-flight tasks on the provider.
	CurrentLoad int `json:"current_load"`

	// MaxConcurrency bounds the provider's in-flight tasks.
	MaxConcurrency int `json:"max_concurrency"`

	// LastHeartbeat is when the provider last reported in.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HasCapability reports whether the provider advertises the given method.
func (p *ProviderInfo) HasCapability(method string) bool {
	for _, c := range p.Capabilities {
		if c == method {
			return true
		}
	}
	return false
}

// WorkerState is the lifecycle state of a provider worker slot.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerIdle
	WorkerBusy
	WorkerStopping
	WorkerStopped
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}
