package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestGormStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		s, err := NewGormStore(StoreConfig{
			Dialect: "sqlite",
			DSN:     "file:" + filepath.Join(t.TempDir(), "test.db"),
		}, nil)
		require.NoError(t, err)
		return s
	})
}

func TestRedisStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(StoreConfig{RedisAddr: mr.Addr()}, nil)
		require.NoError(t, err)
		return s
	})
}

func storeTask(id, wfID string) *types.Task {
	now := time.Now()
	return &types.Task{
		ID:         id,
		WorkflowID: wfID,
		Name:       "name-" + id,
		Protocol:   "llm",
		Method:     "generate",
		Priority:   types.PriorityHigh,
		Status:     types.TaskPending,
		Retry:      types.DefaultRetryPolicy(),
		Timeout:    90 * time.Second,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func storeWorkflow(t *testing.T, id string, tasks ...*types.Task) *types.Workflow {
	t.Helper()
	wf := types.NewWorkflow(id, "wf-"+id)
	for _, task := range tasks {
		require.NoError(t, wf.AddTask(task))
	}
	return wf
}

// runStoreConformance exercises the Store contract against one backend. Every
// backend must pass the same suite; the engine does not know which one it
// talks to.
func runStoreConformance(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("task round trip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		task := storeTask("t1", "wf1")
		task.DependsOn = []string{"t0"}
		task.Params = map[string]any{
			"prompt": "summarize",
			"input":  resolver.ResultRef{TaskID: "t0"},
			"nested": map[string]any{
				"again": resolver.ResultRef{TaskID: "t0"},
			},
		}
		require.NoError(t, s.PutTask(ctx, task))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.WorkflowID, got.WorkflowID)
		assert.Equal(t, task.Name, got.Name)
		assert.Equal(t, task.Protocol, got.Protocol)
		assert.Equal(t, task.Method, got.Method)
		assert.Equal(t, task.Priority, got.Priority)
		assert.Equal(t, task.Status, got.Status)
		assert.Equal(t, task.Retry, got.Retry)
		assert.Equal(t, task.Timeout, got.Timeout)
		assert.Equal(t, []string{"t0"}, got.DependsOn)

		// Result references survive persistence as typed nodes.
		assert.Equal(t, "summarize", got.Params["prompt"])
		assert.Equal(t, resolver.ResultRef{TaskID: "t0"}, got.Params["input"])
		nested, ok := got.Params["nested"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, resolver.ResultRef{TaskID: "t0"}, nested["again"])
	})

	t.Run("get missing task", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		_, err := s.GetTask(ctx, "nope")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
	})

	t.Run("update task status", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.PutTask(ctx, storeTask("t1", "wf1")))
		require.NoError(t, s.UpdateTaskStatus(ctx, "t1", types.TaskAssigned, 2))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskAssigned, got.Status)
		assert.Equal(t, 2, got.Attempts)

		err = s.UpdateTaskStatus(ctx, "nope", types.TaskQueued, 0)
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
	})

	t.Run("complete task with result", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.PutTask(ctx, storeTask("t1", "wf1")))
		require.NoError(t, s.CompleteTask(ctx, "t1", "the answer", ""))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskCompleted, got.Status)
		assert.Equal(t, "the answer", got.Result)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("complete task with error", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.PutTask(ctx, storeTask("t1", "wf1")))
		require.NoError(t, s.CompleteTask(ctx, "t1", nil, "provider exploded"))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskFailed, got.Status)
		assert.Equal(t, "provider exploded", got.Error)
	})

	t.Run("workflow round trip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		t1 := storeTask("t1", "wf1")
		t1.Status = types.TaskCompleted
		t1.Result = "result:t1"
		t2 := storeTask("t2", "wf1")
		t2.DependsOn = []string{"t1"}
		wf := storeWorkflow(t, "wf1", t1, t2)
		wf.Status = types.WorkflowRunning
		wf.CompletedCount = 1
		require.NoError(t, s.PutWorkflow(ctx, wf))

		got, err := s.GetWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Equal(t, "wf1", got.ID)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, types.WorkflowRunning, got.Status)
		assert.Equal(t, 1, got.CompletedCount)
		require.Len(t, got.Tasks, 2)
		assert.Equal(t, types.TaskCompleted, got.Tasks["t1"].Status)
		assert.Equal(t, []string{"t1"}, got.Tasks["t2"].DependsOn)

		// Results are rebuilt from completed tasks.
		assert.Equal(t, map[string]any{"t1": "result:t1"}, got.Results)
	})

	t.Run("get missing workflow", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		_, err := s.GetWorkflow(ctx, "nope")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
	})

	t.Run("update workflow status", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.PutWorkflow(ctx, storeWorkflow(t, "wf1", storeTask("t1", "wf1"))))
		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf1", types.WorkflowFailed, 3, 1))

		got, err := s.GetWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Equal(t, types.WorkflowFailed, got.Status)
		assert.Equal(t, 3, got.CompletedCount)
		assert.Equal(t, 1, got.FailedCount)

		err = s.UpdateWorkflowStatus(ctx, "nope", types.WorkflowRunning, 0, 0)
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
	})

	t.Run("list incomplete tasks", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		done := storeTask("t1", "wf1")
		done.Status = types.TaskCompleted
		pending := storeTask("t2", "wf1")
		pending.DependsOn = []string{"t1"}
		assigned := storeTask("t3", "wf1")
		assigned.Status = types.TaskAssigned
		require.NoError(t, s.PutWorkflow(ctx, storeWorkflow(t, "wf1", done, pending, assigned)))

		recs, err := s.ListIncompleteTasks(ctx, "wf1")
		require.NoError(t, err)
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
			assert.True(t, r.CanResume)
		}
		assert.ElementsMatch(t, []string{"t2", "t3"}, ids)
	})

	t.Run("list resumable workflows", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		running := storeWorkflow(t, "wf-run", storeTask("a1", "wf-run"))
		running.Status = types.WorkflowRunning
		require.NoError(t, s.PutWorkflow(ctx, running))

		finished := storeWorkflow(t, "wf-done", storeTask("b1", "wf-done"))
		finished.Status = types.WorkflowCompleted
		finished.Tasks["b1"].Status = types.TaskCompleted
		require.NoError(t, s.PutWorkflow(ctx, finished))

		summaries, err := s.ListResumableWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, "wf-run", summaries[0].ID)
		assert.Equal(t, 1, summaries[0].Total)
		assert.Equal(t, 0, summaries[0].Completed)
	})

	t.Run("cleanup removes only old terminal workflows", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		done := storeWorkflow(t, "wf-old", storeTask("a1", "wf-old"))
		done.Status = types.WorkflowCompleted
		require.NoError(t, s.PutWorkflow(ctx, done))

		running := storeWorkflow(t, "wf-live", storeTask("b1", "wf-live"))
		running.Status = types.WorkflowRunning
		require.NoError(t, s.PutWorkflow(ctx, running))

		// A negative retention treats everything already written as expired.
		removed, err := s.Cleanup(ctx, -time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.GetWorkflow(ctx, "wf-old")
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
		_, err = s.GetTask(ctx, "a1")
		assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))

		_, err = s.GetWorkflow(ctx, "wf-live")
		assert.NoError(t, err)

		// Fresh terminal workflows inside the retention window survive.
		removed, err = s.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})
}

func TestGormStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "durable.db")

	s, err := NewGormStore(StoreConfig{Dialect: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	wf := storeWorkflow(t, "wf1", storeTask("t1", "wf1"))
	wf.Status = types.WorkflowRunning
	require.NoError(t, s.PutWorkflow(ctx, wf))
	require.NoError(t, s.Close())

	s2, err := NewGormStore(StoreConfig{Dialect: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, got.Status)
	require.Len(t, got.Tasks, 1)
}

func TestGormStoreRejectsUnknownDialect(t *testing.T) {
	t.Parallel()
	_, err := NewGormStore(StoreConfig{Dialect: "oracle"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
}

func TestNewStoreFactory(t *testing.T) {
	t.Parallel()

	s, err := NewStore(StoreConfig{Type: StoreTypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(StoreConfig{Type: "etcd"}, nil)
	require.Error(t, err)
}
