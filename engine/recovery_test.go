package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

// newRecoveryHarness builds an engine on a pre-populated store, standing in
// for a coordinator restarting after a crash.
func newRecoveryHarness(t *testing.T, store *persistence.MemoryStore, exec *scriptedExecutor) *harness {
	t.Helper()
	reg := registry.New(registry.Config{}, nil)
	require.NoError(t, reg.Register(types.ProviderInfo{
		ID:             "p1",
		Protocol:       "llm",
		Capabilities:   []string{"generate"},
		MaxConcurrency: 16,
	}))

	eng := New(DefaultConfig(), store, reg, nil, nil)
	pool := provider.NewPool("llm", provider.PoolConfig{}, nil)
	require.NoError(t, pool.AddWorker(
		provider.NewWorker("w1", "p1", exec, provider.WorkerConfig{MaxConcurrentTasks: 16}, nil, nil)))
	require.NoError(t, eng.RegisterPool(pool))
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
		_ = eng.Stop(ctx)
	})
	return &harness{eng: eng, store: store, exec: exec}
}

// seedInterrupted persists a two-task chain where the first task finished
// before the crash and the second never ran. Task IDs are prefixed with the
// workflow ID so several seeded workflows can share one store. It returns the
// two task IDs.
func seedInterrupted(t *testing.T, store *persistence.MemoryStore, wfID string, secondStatus types.TaskStatus) (string, string) {
	t.Helper()
	now := time.Now()
	id1, id2 := wfID+"-t1", wfID+"-t2"

	t1 := newTask(id1)
	t1.Status = types.TaskCompleted
	t1.Result = "result:" + id1
	t1.Attempts = 1
	t1.CompletedAt = &now

	t2 := newTask(id2, id1)
	t2.Status = secondStatus
	t2.Params = map[string]any{"input": resolver.ResultRef{TaskID: id1}}
	if secondStatus == types.TaskAssigned {
		t2.Attempts = 1
	}

	wf := newWorkflow(t, wfID, t1, t2)
	wf.Status = types.WorkflowRunning
	wf.CompletedCount = 1
	require.NoError(t, store.PutWorkflow(context.Background(), wf))
	return id1, id2
}

func TestResumeContinuesFromPersistedState(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()
	id1, id2 := seedInterrupted(t, store, "wf-resume", types.TaskPending)

	exec := newScriptedExecutor(nil)
	h := newRecoveryHarness(t, store, exec)

	require.NoError(t, h.eng.Resume(context.Background(), "wf-resume"))
	waitForStatus(t, h, "wf-resume", types.WorkflowCompleted)

	// Only the unfinished task ran, with its reference resolved from the
	// result recorded before the crash.
	assert.Equal(t, 0, exec.callCount(id1))
	assert.Equal(t, 1, exec.callCount(id2))
	assert.Equal(t, "result:"+id1, exec.lastParams(id2)["input"])

	results, err := h.eng.Results("wf-resume")
	require.NoError(t, err)
	assert.Equal(t, "result:"+id1, results[id1])
	assert.Equal(t, "result:"+id2, results[id2])
}

func TestResumeRedispatchesTaskInFlightAtCrash(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()
	_, id2 := seedInterrupted(t, store, "wf-inflight", types.TaskAssigned)

	exec := newScriptedExecutor(nil)
	h := newRecoveryHarness(t, store, exec)

	require.NoError(t, h.eng.Resume(context.Background(), "wf-inflight"))
	waitForStatus(t, h, "wf-inflight", types.WorkflowCompleted)
	assert.Equal(t, 1, exec.callCount(id2))

	// The interrupted attempt did not count against the retry budget.
	task, err := store.GetTask(context.Background(), id2)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
}

func TestResumeIsIdempotent(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()
	_, id2 := seedInterrupted(t, store, "wf-idem", types.TaskPending)

	exec := newScriptedExecutor(nil)
	h := newRecoveryHarness(t, store, exec)

	require.NoError(t, h.eng.Resume(context.Background(), "wf-idem"))
	require.NoError(t, h.eng.Resume(context.Background(), "wf-idem"))
	waitForStatus(t, h, "wf-idem", types.WorkflowCompleted)
	assert.Equal(t, 1, exec.callCount(id2))
}

func TestResumeSkipsTerminalWorkflow(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()
	wf := newWorkflow(t, "wf-done", newTask("t1"))
	wf.Status = types.WorkflowCompleted
	wf.Tasks["t1"].Status = types.TaskCompleted
	require.NoError(t, store.PutWorkflow(context.Background(), wf))

	exec := newScriptedExecutor(nil)
	h := newRecoveryHarness(t, store, exec)

	require.NoError(t, h.eng.Resume(context.Background(), "wf-done"))
	_, ok := h.eng.Workflow("wf-done")
	assert.False(t, ok, "terminal workflow is not picked up")
	assert.Equal(t, 0, exec.callCount("t1"))
}

func TestResumeUnknownWorkflow(t *testing.T) {
	t.Parallel()
	h := newRecoveryHarness(t, persistence.NewMemoryStore(), newScriptedExecutor(nil))
	err := h.eng.Resume(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
}

func TestResumeFinalizesWorkflowWithAllTasksTerminal(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()

	// Every task finished before the crash but the final workflow status write
	// never landed.
	t1 := newTask("t1")
	t1.Status = types.TaskCompleted
	t1.Result = "result:t1"
	wf := newWorkflow(t, "wf-landed", t1)
	wf.Status = types.WorkflowRunning
	wf.CompletedCount = 1
	require.NoError(t, store.PutWorkflow(context.Background(), wf))

	exec := newScriptedExecutor(nil)
	h := newRecoveryHarness(t, store, exec)

	require.NoError(t, h.eng.Resume(context.Background(), "wf-landed"))
	waitForStatus(t, h, "wf-landed", types.WorkflowCompleted)
	assert.Equal(t, 0, exec.callCount("t1"))

	stored, err := store.GetWorkflow(context.Background(), "wf-landed")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, stored.Status)
}

func TestResumeAllPicksUpInterruptedWorkflows(t *testing.T) {
	t.Parallel()
	store := persistence.NewMemoryStore()
	seedInterrupted(t, store, "wf-a", types.TaskPending)
	seedInterrupted(t, store, "wf-b", types.TaskPending)

	done := newWorkflow(t, "wf-finished", newTask("t1"))
	done.Status = types.WorkflowCompleted
	done.Tasks["t1"].Status = types.TaskCompleted
	require.NoError(t, store.PutWorkflow(context.Background(), done))

	h := newRecoveryHarness(t, store, newScriptedExecutor(nil))

	ids, err := h.eng.ListResumable(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-a", "wf-b"}, ids)

	resumed, err := h.eng.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-a", "wf-b"}, resumed)

	waitForStatus(t, h, "wf-a", types.WorkflowCompleted)
	waitForStatus(t, h, "wf-b", types.WorkflowCompleted)
}
