package transport

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/types"
)

// notifier counts availability wakeups.
type notifier struct {
	calls atomic.Int64
}

func (n *notifier) NotifyProviderAvailable() { n.calls.Add(1) }

type wsHarness struct {
	srv      *httptest.Server
	registry *registry.Registry
	pool     *provider.Pool
	notify   *notifier
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil)
	pool := provider.NewPool("llm", provider.PoolConfig{}, nil)
	notify := &notifier{}
	ws := NewWSServer(reg, map[string]*provider.Pool{"llm": pool}, notify, nil,
		provider.WorkerConfig{MaxConcurrentTasks: 4, DefaultTimeout: 5 * time.Second}, nil)

	srv := httptest.NewServer(ws)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
		srv.Close()
		reg.Stop()
	})
	return &wsHarness{srv: srv, registry: reg, pool: pool, notify: notify}
}

func (h *wsHarness) wsURL() string {
	return strings.Replace(h.srv.URL, "http", "ws", 1)
}

func (h *wsHarness) clientConfig(providerID string) ClientConfig {
	return ClientConfig{
		URL:            h.wsURL(),
		ProviderID:     providerID,
		Protocol:       "llm",
		Capabilities:   []string{"generate"},
		MaxConcurrency: 8,
		Workers:        2,
	}
}

func remoteTask(id string, params map[string]any) *types.Task {
	return &types.Task{
		ID:         id,
		WorkflowID: "wf-" + id,
		Name:       id,
		Protocol:   "llm",
		Method:     "generate",
		Params:     params,
		Priority:   types.PriorityNormal,
		Status:     types.TaskAssigned,
	}
}

// awaitEvent reads pool events until one matches the task ID and kind.
// Duplicate signals for the same task (a requeue followed by the unblocked
// executor's failure) are legal, so unrelated events are skipped.
func awaitEvent(t *testing.T, pool *provider.Pool, taskID string, kind provider.EventKind) provider.TaskEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-pool.Events():
			if ev.TaskID == taskID && ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event for task %s within deadline", kind, taskID)
		}
	}
}

func TestWSRegisterCreatesWorkersAndNotifies(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	client, err := Dial(context.Background(), h.clientConfig("p-remote"), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	info, ok := h.registry.Get("p-remote")
	require.True(t, ok)
	assert.Equal(t, "llm", info.Protocol)
	assert.Equal(t, []string{"generate"}, info.Capabilities)
	assert.Equal(t, 8, info.MaxConcurrency)

	_, capacity := h.pool.Utilization()
	assert.Equal(t, 8, capacity, "two workers with four slots each")
	assert.GreaterOrEqual(t, h.notify.calls.Load(), int64(1))
}

func TestWSRejectsUnknownProtocol(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	cfg := h.clientConfig("p-quic")
	cfg.Protocol = "quic"
	_, err := Dial(context.Background(), cfg, nil, nil)
	require.Error(t, err)

	_, ok := h.registry.Get("p-quic")
	assert.False(t, ok)
}

func TestWSAssignmentRoundTrip(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	handler := func(ctx context.Context, method string, params map[string]any) (any, error) {
		return fmt.Sprintf("%s:%v", method, params["prompt"]), nil
	}
	client, err := Dial(context.Background(), h.clientConfig("p-remote"), handler, nil)
	require.NoError(t, err)
	defer client.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go client.Run(runCtx)

	task := remoteTask("t-echo", map[string]any{"prompt": "hello"})
	require.NoError(t, h.pool.Dispatch(context.Background(), task, ""))

	ev := awaitEvent(t, h.pool, "t-echo", provider.EventCompleted)
	assert.Equal(t, "generate:hello", ev.Result)
	assert.Equal(t, "wf-t-echo", ev.WorkflowID)
	assert.Equal(t, "p-remote", ev.ProviderID)
}

func TestWSFailurePreservesRemoteErrorCode(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	handler := func(ctx context.Context, method string, params map[string]any) (any, error) {
		return nil, types.NewError(types.ErrCodeResourceExhausted, "rate limited upstream").
			WithRetryable(true)
	}
	client, err := Dial(context.Background(), h.clientConfig("p-remote"), handler, nil)
	require.NoError(t, err)
	defer client.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go client.Run(runCtx)

	task := remoteTask("t-doomed", nil)
	require.NoError(t, h.pool.Dispatch(context.Background(), task, ""))

	ev := awaitEvent(t, h.pool, "t-doomed", provider.EventFailed)
	require.NotNil(t, ev.Err)
	assert.Equal(t, types.ErrCodeExecution, ev.Err.Code)
	assert.True(t, ev.Err.Retryable)

	cause, ok := ev.Err.Cause.(*types.Error)
	require.True(t, ok, "failure frame should surface as the typed cause")
	assert.Equal(t, types.ErrCodeResourceExhausted, cause.Code)
	assert.True(t, cause.Retryable)
	assert.Contains(t, cause.Message, "rate limited upstream")
}

func TestWSDisconnectRequeuesInflightAndUnregisters(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	started := make(chan struct{})
	handler := func(ctx context.Context, method string, params map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	client, err := Dial(context.Background(), h.clientConfig("p-flaky"), handler, nil)
	require.NoError(t, err)

	runCtx, stopRun := context.WithCancel(context.Background())
	go client.Run(runCtx)

	task := remoteTask("t-inflight", nil)
	require.NoError(t, h.pool.Dispatch(context.Background(), task, ""))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("assignment never reached the provider")
	}

	// Drop the provider mid-execution by cancelling its run context, which
	// tears down the websocket from the client side.
	stopRun()
	client.Close()

	ev := awaitEvent(t, h.pool, "t-inflight", provider.EventRequeued)
	require.NotNil(t, ev.Err)
	assert.Equal(t, types.ErrCodeWorkerUnavailable, ev.Err.Code)
	assert.True(t, ev.Err.Retryable)

	require.Eventually(t, func() bool {
		_, ok := h.registry.Get("p-flaky")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWSHeartbeatRefreshesRegistry(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t)

	cfg := h.clientConfig("p-remote")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	client, err := Dial(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go client.Run(runCtx)

	info, ok := h.registry.Get("p-remote")
	require.True(t, ok)
	registered := info.LastHeartbeat

	require.Eventually(t, func() bool {
		cur, ok := h.registry.Get("p-remote")
		return ok && cur.LastHeartbeat.After(registered)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailureErrorDefaultsToExecutionCode(t *testing.T) {
	t.Parallel()

	err := failureError(FailurePayload{TaskID: "t1", Message: "boom"})
	assert.Equal(t, types.ErrCodeExecution, err.Code)
	assert.Equal(t, "t1", err.TaskID)
	assert.False(t, err.Retryable)

	err = failureError(FailurePayload{TaskID: "t2", Code: types.ErrCodeTimeout, Message: "slow", Retryable: true})
	assert.Equal(t, types.ErrCodeTimeout, err.Code)
	assert.True(t, err.Retryable)
}
