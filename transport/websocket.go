package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/types"
)

const (
	// registerTimeout bounds how long a new connection may take to send its
	// register message.
	registerTimeout = 10 * time.Second

	// writeTimeout bounds every outbound frame.
	writeTimeout = 10 * time.Second
)

// WSServer accepts external provider processes over websocket. Each
// connection registers one provider; the server creates worker slots whose
// executor forwards assignments over the connection and matches completions
// back by task ID. A dropped connection fails the provider's workers so
// in-flight tasks are requeued.
type WSServer struct {
	registry  *registry.Registry
	pools     map[string]*provider.Pool
	notify    Availability
	metrics   *metrics.Collector
	workerCfg provider.WorkerConfig
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewWSServer creates the websocket transport endpoint.
func NewWSServer(reg *registry.Registry, pools map[string]*provider.Pool, notify Availability, collector *metrics.Collector, workerCfg provider.WorkerConfig, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{
		registry:  reg,
		pools:     pools,
		notify:    notify,
		metrics:   collector,
		workerCfg: workerCfg,
		logger:    logger.With(zap.String("component", "transport.ws")),
		sessions:  make(map[string]*session),
	}
}

// ServeHTTP upgrades the connection and runs the provider session until the
// connection drops.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	sess, err := s.register(r.Context(), conn)
	if err != nil {
		s.logger.Warn("provider registration failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	s.logger.Info("provider connected",
		zap.String("provider_id", sess.providerID),
		zap.String("protocol", sess.protocol),
		zap.Int("workers", len(sess.workerIDs)))
	if s.notify != nil {
		s.notify.NotifyProviderAvailable()
	}

	s.readLoop(r.Context(), sess)
	s.disconnect(sess)
}

// register performs the registration handshake and wires the provider's
// worker slots into its protocol pool.
func (s *WSServer) register(ctx context.Context, conn *websocket.Conn) (*session, error) {
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	var env Envelope
	if err := wsjson.Read(rctx, conn, &env); err != nil {
		return nil, fmt.Errorf("read register message: %w", err)
	}
	if env.Type != MsgRegister {
		return nil, fmt.Errorf("expected %s message, got %s", MsgRegister, env.Type)
	}
	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return nil, fmt.Errorf("decode register payload: %w", err)
	}
	if reg.ProviderID == "" || reg.Protocol == "" {
		return nil, fmt.Errorf("register payload missing provider_id or protocol")
	}
	pool, ok := s.pools[reg.Protocol]
	if !ok {
		return nil, fmt.Errorf("no pool serves protocol %q", reg.Protocol)
	}

	info := types.ProviderInfo{
		ID:             reg.ProviderID,
		Protocol:       reg.Protocol,
		Capabilities:   reg.Capabilities,
		MaxConcurrency: reg.MaxConcurrency,
	}
	if err := s.registry.Register(info); err != nil {
		return nil, err
	}

	sess := &session{
		conn:       conn,
		providerID: reg.ProviderID,
		protocol:   reg.Protocol,
		pool:       pool,
		logger:     s.logger.With(zap.String("provider_id", reg.ProviderID)),
	}

	workers := reg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("%s-w%d", reg.ProviderID, i)
		w := provider.NewWorker(id, reg.ProviderID, &remoteExecutor{sess: sess, protocol: reg.Protocol}, s.workerCfg, s.onCircuitChange, s.logger)
		if err := pool.AddWorker(w); err != nil {
			s.registry.Unregister(reg.ProviderID)
			return nil, err
		}
		sess.workerIDs = append(sess.workerIDs, id)
	}

	if err := sess.write(ctx, Envelope{Type: MsgAck}); err != nil {
		s.disconnect(sess)
		return nil, err
	}

	s.mu.Lock()
	s.sessions[reg.ProviderID] = sess
	s.mu.Unlock()
	return sess, nil
}

// readLoop dispatches inbound frames until the connection errors.
func (s *WSServer) readLoop(ctx context.Context, sess *session) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, sess.conn, &env); err != nil {
			sess.logger.Info("provider connection closed", zap.Error(err))
			return
		}
		switch env.Type {
		case MsgHeartbeat:
			var hb HeartbeatPayload
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				sess.logger.Warn("bad heartbeat payload", zap.Error(err))
				continue
			}
			if err := s.registry.Heartbeat(sess.providerID, hb.Load); err != nil {
				sess.logger.Warn("heartbeat rejected", zap.Error(err))
				continue
			}
			for _, id := range sess.workerIDs {
				sess.pool.ObserveWorkerLoad(id, hb.CPUPercent, hb.MemoryPercent)
			}
		case MsgCompletion:
			var c CompletionPayload
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				sess.logger.Warn("bad completion payload", zap.Error(err))
				continue
			}
			sess.deliver(c.TaskID, outcome{result: c.Result})
		case MsgFailure:
			var f FailurePayload
			if err := json.Unmarshal(env.Payload, &f); err != nil {
				sess.logger.Warn("bad failure payload", zap.Error(err))
				continue
			}
			sess.deliver(f.TaskID, outcome{err: failureError(f)})
		default:
			sess.logger.Warn("unexpected message type", zap.String("type", string(env.Type)))
		}
	}
}

// disconnect tears a session down: the provider leaves the registry, its
// workers fail so in-flight tasks requeue, and waiting executors unblock.
func (s *WSServer) disconnect(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.providerID)
	s.mu.Unlock()

	s.registry.Unregister(sess.providerID)
	for _, id := range sess.workerIDs {
		sess.pool.FailWorker(id, "provider connection lost")
	}
	sess.failAllPending()
	sess.conn.Close(websocket.StatusNormalClosure, "")
	sess.logger.Info("provider disconnected")
}

// onCircuitChange records breaker transitions for remote workers.
func (s *WSServer) onCircuitChange(workerID string, from, to provider.CircuitState) {
	s.metrics.CircuitTransition(workerID, to.String())
	if to == provider.CircuitClosed && s.notify != nil {
		s.notify.NotifyProviderAvailable()
	}
}

// outcome is one settled execution, exactly one field set.
type outcome struct {
	result any
	err    *types.Error
}

// session is one connected provider process.
type session struct {
	conn       *websocket.Conn
	providerID string
	protocol   string
	pool       *provider.Pool
	workerIDs  []string
	logger     *zap.Logger

	writeMu sync.Mutex
	pending sync.Map // task ID -> chan outcome
}

func (s *session) write(ctx context.Context, env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, env)
}

// deliver routes a settled outcome to the executor waiting on the task.
func (s *session) deliver(taskID string, out outcome) {
	ch, ok := s.pending.LoadAndDelete(taskID)
	if !ok {
		s.logger.Debug("outcome for unknown task dropped", zap.String("task_id", taskID))
		return
	}
	ch.(chan outcome) <- out
}

// failAllPending unblocks every waiting executor after a disconnect.
func (s *session) failAllPending() {
	s.pending.Range(func(key, value any) bool {
		s.pending.Delete(key)
		value.(chan outcome) <- outcome{err: types.NewError(types.ErrCodeWorkerUnavailable,
			"provider disconnected mid-execution").WithRetryable(true)}
		return true
	})
}

// remoteExecutor forwards one assignment over the session and waits for its
// completion or failure frame.
type remoteExecutor struct {
	sess     *session
	protocol string
}

func (r *remoteExecutor) Protocol() string { return r.protocol }

func (r *remoteExecutor) Execute(ctx context.Context, task *types.Task) (any, error) {
	ch := make(chan outcome, 1)
	r.sess.pending.Store(task.ID, ch)

	env, err := encode(MsgAssignment, assignmentFor(task))
	if err != nil {
		r.sess.pending.Delete(task.ID)
		return nil, types.NewError(types.ErrCodeInternal, "failed to encode assignment").WithCause(err)
	}
	if err := r.sess.write(ctx, env); err != nil {
		r.sess.pending.Delete(task.ID)
		return nil, types.NewError(types.ErrCodeWorkerUnavailable, "failed to send assignment").
			WithCause(err).WithRetryable(true)
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		r.sess.pending.Delete(task.ID)
		return nil, ctx.Err()
	}
}
