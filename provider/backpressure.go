package provider

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PressureLevel classifies a worker's load.
type PressureLevel int

const (
	// PressureNormal accepts new work without restriction.
	PressureNormal PressureLevel = iota
	// PressureHigh throttles new work (deprioritizes, does not block).
	PressureHigh
	// PressureCritical blocks new work and requests scale-out.
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BackpressureConfig tunes load thresholds.
type BackpressureConfig struct {
	// HighWatermark is the pressure score (0-100) above which dispatch throttles.
	HighWatermark float64 `json:"high_watermark" yaml:"high_watermark"`

	// CriticalWatermark is the score above which new work is blocked.
	CriticalWatermark float64 `json:"critical_watermark" yaml:"critical_watermark"`

	// PoolUtilizationLimit is the pool-wide busy fraction (0-1) that
	// independently requests scale-out.
	PoolUtilizationLimit float64 `json:"pool_utilization_limit" yaml:"pool_utilization_limit"`

	// ThrottleRate is the dispatches-per-second pacing applied while high.
	ThrottleRate float64 `json:"throttle_rate" yaml:"throttle_rate"`
}

// DefaultBackpressureConfig returns sensible defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		HighWatermark:        75,
		CriticalWatermark:    90,
		PoolUtilizationLimit: 0.9,
		ThrottleRate:         10,
	}
}

// WorkerSample is one worker's load observation.
type WorkerSample struct {
	CPUPercent    float64
	MemoryPercent float64
	TaskLoad      float64 // in-flight / max_concurrent, 0-1
}

// Score computes the 0-100 pressure score: the worst of CPU, memory and
// task-slot utilization.
func (s WorkerSample) Score() float64 {
	score := s.CPUPercent
	if s.MemoryPercent > score {
		score = s.MemoryPercent
	}
	if taskPct := s.TaskLoad * 100; taskPct > score {
		score = taskPct
	}
	if score > 100 {
		score = 100
	}
	return score
}

// BackpressureManager tracks per-worker pressure and the pool-wide
// utilization, throttling or blocking dispatch and signaling scale-out.
type BackpressureManager struct {
	config BackpressureConfig
	logger *zap.Logger

	mu      sync.Mutex
	levels  map[string]PressureLevel
	scores  map[string]float64
	limiter *rate.Limiter

	// scaleOut receives one signal per scale-out request; buffered so a slow
	// listener never blocks dispatch.
	scaleOut chan string
}

// NewBackpressureManager creates a manager with the given thresholds.
func NewBackpressureManager(config BackpressureConfig, logger *zap.Logger) *BackpressureManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBackpressureConfig()
	if config.HighWatermark <= 0 {
		config.HighWatermark = def.HighWatermark
	}
	if config.CriticalWatermark <= 0 {
		config.CriticalWatermark = def.CriticalWatermark
	}
	if config.PoolUtilizationLimit <= 0 {
		config.PoolUtilizationLimit = def.PoolUtilizationLimit
	}
	if config.ThrottleRate <= 0 {
		config.ThrottleRate = def.ThrottleRate
	}
	return &BackpressureManager{
		config:   config,
		logger:   logger.With(zap.String("component", "backpressure")),
		levels:   make(map[string]PressureLevel),
		scores:   make(map[string]float64),
		limiter:  rate.NewLimiter(rate.Limit(config.ThrottleRate), 1),
		scaleOut: make(chan string, 16),
	}
}

// Observe records a worker load sample and returns the worker's new level.
// Crossing into critical blocks the worker and requests scale-out; crossing
// into high throttles; falling below clears the flag.
func (m *BackpressureManager) Observe(workerID string, sample WorkerSample) PressureLevel {
	score := sample.Score()

	m.mu.Lock()
	old := m.levels[workerID]
	level := PressureNormal
	switch {
	case score >= m.config.CriticalWatermark:
		level = PressureCritical
	case score >= m.config.HighWatermark:
		level = PressureHigh
	}
	m.levels[workerID] = level
	m.scores[workerID] = score
	m.mu.Unlock()

	if level != old {
		m.logger.Info("worker pressure level changed",
			zap.String("worker_id", workerID),
			zap.String("old", old.String()),
			zap.String("new", level.String()),
			zap.Float64("score", score))
		if level == PressureCritical {
			m.requestScaleOut("worker " + workerID + " critical")
		}
	}
	return level
}

// Level returns a worker's current pressure level.
func (m *BackpressureManager) Level(workerID string) PressureLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[workerID]
}

// Blocked reports whether new work to the worker must be rejected.
func (m *BackpressureManager) Blocked(workerID string) bool {
	return m.Level(workerID) == PressureCritical
}

// Throttled reports whether dispatch to the worker should be paced. When the
// worker is throttled the caller must also consult AllowThrottled.
func (m *BackpressureManager) Throttled(workerID string) bool {
	return m.Level(workerID) == PressureHigh
}

// AllowThrottled consumes one token from the throttle pacing limiter; a
// false return deprioritizes the dispatch without blocking.
func (m *BackpressureManager) AllowThrottled() bool {
	return m.limiter.Allow()
}

// ObservePoolUtilization checks the pool-wide busy fraction and requests
// scale-out independently of per-worker scores.
func (m *BackpressureManager) ObservePoolUtilization(protocol string, busy, capacity int) {
	if capacity == 0 {
		return
	}
	if float64(busy)/float64(capacity) > m.config.PoolUtilizationLimit {
		m.requestScaleOut("pool " + protocol + " utilization above limit")
	}
}

// ScaleOut exposes the scale-out request stream.
func (m *BackpressureManager) ScaleOut() <-chan string {
	return m.scaleOut
}

func (m *BackpressureManager) requestScaleOut(reason string) {
	select {
	case m.scaleOut <- reason:
		m.logger.Warn("scale-out requested", zap.String("reason", reason))
	default:
		// A pending request is already queued; coalesce.
	}
}
