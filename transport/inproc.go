package transport

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/types"
)

// Availability is the scheduler hook transports poke when provider capacity
// appears, so parked tasks are re-dispatched without polling.
type Availability interface {
	NotifyProviderAvailable()
}

// Local attaches providers compiled into the coordinator binary. Each
// attachment registers the provider, creates its worker slots, and joins the
// shared heartbeat loop.
type Local struct {
	registry *registry.Registry
	pool     *provider.Pool
	notify   Availability
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu        sync.Mutex
	providers []string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLocal creates an in-process transport bound to one pool. collector may
// be nil.
func NewLocal(reg *registry.Registry, pool *provider.Pool, notify Availability, collector *metrics.Collector, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		registry: reg,
		pool:     pool,
		notify:   notify,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "transport.local")),
		stopCh:   make(chan struct{}),
	}
}

// Attach registers a provider backed by a local executor and starts its
// worker slots.
func (l *Local) Attach(info types.ProviderInfo, exec provider.Executor, workers int, wcfg provider.WorkerConfig) error {
	if workers <= 0 {
		workers = 1
	}
	if info.Protocol != exec.Protocol() {
		return types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("provider %s declares protocol %q but executor serves %q", info.ID, info.Protocol, exec.Protocol()))
	}
	if err := l.registry.Register(info); err != nil {
		return err
	}

	for i := 0; i < workers; i++ {
		w := provider.NewWorker(
			fmt.Sprintf("%s-w%d", info.ID, i),
			info.ID,
			exec,
			wcfg,
			l.onCircuitChange,
			l.logger,
		)
		if err := l.pool.AddWorker(w); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.providers = append(l.providers, info.ID)
	l.mu.Unlock()

	l.logger.Info("local provider attached",
		zap.String("provider_id", info.ID),
		zap.String("protocol", info.Protocol),
		zap.Int("workers", workers))

	if l.notify != nil {
		l.notify.NotifyProviderAvailable()
	}
	return nil
}

// StartHeartbeats keeps all attached providers fresh in the registry. Local
// providers cannot miss heartbeats unless the process itself is wedged, so
// one shared ticker suffices.
func (l *Local) StartHeartbeats(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.mu.Lock()
				ids := append([]string(nil), l.providers...)
				l.mu.Unlock()
				for _, id := range ids {
					info, ok := l.registry.Get(id)
					if !ok {
						continue
					}
					if err := l.registry.Heartbeat(id, info.CurrentLoad); err != nil {
						l.logger.Warn("heartbeat failed", zap.String("provider_id", id), zap.Error(err))
					}
				}
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Close stops the heartbeat loop. Workers are stopped through the pool.
func (l *Local) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// onCircuitChange records breaker transitions and wakes the scheduler when a
// circuit closes again.
func (l *Local) onCircuitChange(workerID string, from, to provider.CircuitState) {
	l.metrics.CircuitTransition(workerID, to.String())
	if to == provider.CircuitClosed && l.notify != nil {
		l.notify.NotifyProviderAvailable()
	}
}
