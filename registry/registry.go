// Package registry maintains the cross-pool directory of providers: which
// protocols and methods each provider serves, its derived health, and the
// load/latency signals used for selection. Health is driven by execution
// outcomes and heartbeat freshness, never solely by provider self-reports.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

const (
	// outcomeWindow is the number of recent executions the rolling success
	// rate is computed over.
	outcomeWindow = 50

	// latencyAlpha is the EWMA smoothing factor for average latency.
	latencyAlpha = 0.2
)

// Health thresholds applied to the rolling success rate.
const (
	healthyRate  = 0.9
	degradedRate = 0.5
)

// Config tunes registry behavior.
type Config struct {
	// HeartbeatTimeout marks a provider disconnected when its last heartbeat
	// is older than this.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// SweepInterval is how often the staleness janitor runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
	}
}

// entry is the registry's mutable record for one provider.
type entry struct {
	info     types.ProviderInfo
	outcomes []bool // ring of recent success/failure, newest last
}

// Registry is the provider directory. It is owned by the composition root
// and passed by reference; there is no package-level instance.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]*entry
	byProtocol map[string][]string
	config     Config
	logger     *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty Registry.
func New(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Registry{
		providers:  make(map[string]*entry),
		byProtocol: make(map[string][]string),
		config:     config,
		logger:     logger.With(zap.String("component", "provider_registry")),
		stopCh:     make(chan struct{}),
	}
}

// Register adds or replaces a provider. New providers start healthy so they
// receive probe traffic; outcomes adjust health from there.
func (r *Registry) Register(info types.ProviderInfo) error {
	if info.ID == "" || info.Protocol == "" {
		return types.NewError(types.ErrCodeValidation, "provider id and protocol are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[info.ID]; !exists {
		r.byProtocol[info.Protocol] = append(r.byProtocol[info.Protocol], info.ID)
	}
	info.Health = types.ProviderHealthy
	info.SuccessRate = 1.0
	info.LastHeartbeat = time.Now()
	r.providers[info.ID] = &entry{info: info}

	r.logger.Info("provider registered",
		zap.String("provider_id", info.ID),
		zap.String("protocol", info.Protocol),
		zap.Strings("capabilities", info.Capabilities))
	return nil
}

// Unregister removes a provider from the directory.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.providers[id]
	if !ok {
		return
	}
	delete(r.providers, id)
	ids := r.byProtocol[e.info.Protocol]
	for i, pid := range ids {
		if pid == id {
			r.byProtocol[e.info.Protocol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Heartbeat records a provider liveness report with its current load. A
// disconnected provider that heartbeats again is re-admitted at its
// outcome-derived health.
func (r *Registry) Heartbeat(id string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.providers[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("provider %q not registered", id))
	}
	e.info.LastHeartbeat = time.Now()
	e.info.CurrentLoad = load
	if e.info.Health == types.ProviderDisconnected {
		e.info.Health = healthFromRate(e.info.SuccessRate)
		r.logger.Info("provider reconnected",
			zap.String("provider_id", id),
			zap.String("health", string(e.info.Health)))
	}
	return nil
}

// ReportOutcome records one execution outcome and re-derives provider health
// from the rolling success rate.
func (r *Registry) ReportOutcome(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.providers[id]
	if !ok {
		return
	}

	e.outcomes = append(e.outcomes, success)
	if len(e.outcomes) > outcomeWindow {
		e.outcomes = e.outcomes[len(e.outcomes)-outcomeWindow:]
	}
	succ := 0
	for _, ok := range e.outcomes {
		if ok {
			succ++
		}
	}
	e.info.SuccessRate = float64(succ) / float64(len(e.outcomes))

	if e.info.AvgLatency == 0 {
		e.info.AvgLatency = latency
	} else {
		e.info.AvgLatency = time.Duration(
			latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(e.info.AvgLatency))
	}

	old := e.info.Health
	if old != types.ProviderDisconnected {
		e.info.Health = healthFromRate(e.info.SuccessRate)
	}
	if e.info.Health != old {
		r.logger.Info("provider health changed",
			zap.String("provider_id", id),
			zap.String("old", string(old)),
			zap.String("new", string(e.info.Health)),
			zap.Float64("success_rate", e.info.SuccessRate))
	}
}

// UpdateLoad sets the provider's in-flight load counter.
func (r *Registry) UpdateLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.providers[id]; ok {
		e.info.CurrentLoad += delta
		if e.info.CurrentLoad < 0 {
			e.info.CurrentLoad = 0
		}
	}
}

// Select picks the best provider for a protocol/method pair. Candidates must
// advertise the capability, be healthy or degraded, and have spare
// concurrency. Ranking: success rate descending, then average latency
// ascending, then current load ascending.
func (r *Registry) Select(protocol, method string) (types.ProviderInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*entry
	for _, id := range r.byProtocol[protocol] {
		e := r.providers[id]
		if e == nil || !e.info.Health.Dispatchable() {
			continue
		}
		if method != "" && !e.info.HasCapability(method) {
			continue
		}
		if e.info.MaxConcurrency > 0 && e.info.CurrentLoad >= e.info.MaxConcurrency {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return types.ProviderInfo{}, types.NewError(types.ErrCodeProviderUnavailable,
			fmt.Sprintf("no healthy provider for %s/%s", protocol, method))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].info, candidates[j].info
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.AvgLatency != b.AvgLatency {
			return a.AvgLatency < b.AvgLatency
		}
		return a.CurrentLoad < b.CurrentLoad
	})
	return candidates[0].info, nil
}

// Get returns a copy of a provider's record.
func (r *Registry) Get(id string) (types.ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok {
		return types.ProviderInfo{}, false
	}
	return e.info, true
}

// List returns all providers for a protocol ("" = all protocols).
func (r *Registry) List(protocol string) []types.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.ProviderInfo
	for _, e := range r.providers {
		if protocol == "" || e.info.Protocol == protocol {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the staleness janitor. Providers whose heartbeat is older
// than the configured timeout are marked disconnected and excluded from
// selection until they heartbeat again.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepStale(time.Now())
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the janitor.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// SweepStale marks providers with stale heartbeats disconnected. Exposed for
// tests; the janitor calls it on a timer.
func (r *Registry) SweepStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.providers {
		if e.info.Health == types.ProviderDisconnected {
			continue
		}
		if now.Sub(e.info.LastHeartbeat) > r.config.HeartbeatTimeout {
			e.info.Health = types.ProviderDisconnected
			n++
			r.logger.Warn("provider heartbeat stale, marking disconnected",
				zap.String("provider_id", id),
				zap.Time("last_heartbeat", e.info.LastHeartbeat))
		}
	}
	return n
}

func healthFromRate(rate float64) types.ProviderHealth {
	switch {
	case rate >= healthyRate:
		return types.ProviderHealthy
	case rate >= degradedRate:
		return types.ProviderDegraded
	default:
		return types.ProviderUnhealthy
	}
}
