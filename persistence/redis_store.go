package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

// RedisStore is the distributed Store backend. Tasks and workflows are
// stored as JSON values with set indexes for membership queries.
//
// Key layout (prefix defaults to "taskmesh"):
//
//	{prefix}:task:{id}       task JSON
//	{prefix}:wf:{id}         workflow JSON (without tasks)
//	{prefix}:wf:{id}:tasks   set of task IDs
//	{prefix}:workflows       set of workflow IDs
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(cfg StoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskmesh"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_store")),
	}, nil
}

func (s *RedisStore) taskKey(id string) string       { return s.prefix + ":task:" + id }
func (s *RedisStore) wfKey(id string) string         { return s.prefix + ":wf:" + id }
func (s *RedisStore) wfTasksKey(id string) string    { return s.prefix + ":wf:" + id + ":tasks" }
func (s *RedisStore) workflowsKey() string           { return s.prefix + ":workflows" }

func marshalTask(t *types.Task) ([]byte, error) {
	cp := *t
	cp.Params = resolver.Encode(t.Params)
	return json.Marshal(&cp)
}

func unmarshalTask(data []byte) (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Params != nil {
		t.Params = resolver.Parse(t.Params, nil)
	}
	return &t, nil
}

func (s *RedisStore) PutTask(ctx context.Context, task *types.Task) error {
	data, err := marshalTask(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	pipe.SAdd(ctx, s.wfTasksKey(task.WorkflowID), task.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return nil, err
	}
	return unmarshalTask(data)
}

// mutateTask loads, mutates and rewrites a task JSON value.
func (s *RedisStore) mutateTask(ctx context.Context, id string, fn func(*types.Task)) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	fn(t)
	t.UpdatedAt = time.Now()
	data, err := marshalTask(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.client.Set(ctx, s.taskKey(id), data, 0).Err()
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, attempts int) error {
	return s.mutateTask(ctx, id, func(t *types.Task) {
		t.Status = status
		t.Attempts = attempts
	})
}

func (s *RedisStore) CompleteTask(ctx context.Context, id string, result any, errMsg string) error {
	return s.mutateTask(ctx, id, func(t *types.Task) {
		now := time.Now()
		t.CompletedAt = &now
		if errMsg != "" {
			t.Status = types.TaskFailed
			t.Error = errMsg
		} else {
			t.Status = types.TaskCompleted
			t.Result = result
		}
	})
}

func (s *RedisStore) PutWorkflow(ctx context.Context, wf *types.Workflow) error {
	cp := *wf
	cp.Tasks = nil
	cp.Results = nil
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.wfKey(wf.ID), data, 0)
	pipe.SAdd(ctx, s.workflowsKey(), wf.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, t := range wf.Tasks {
		if err := s.PutTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	data, err := s.client.Get(ctx, s.wfKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return nil, err
	}
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	wf.Tasks = make(map[string]*types.Task)
	wf.Results = make(map[string]any)

	ids, err := s.client.SMembers(ctx, s.wfTasksKey(id)).Result()
	if err != nil {
		return nil, err
	}
	for _, tid := range ids {
		t, err := s.GetTask(ctx, tid)
		if err != nil {
			return nil, err
		}
		wf.Tasks[tid] = t
		if t.Status == types.TaskCompleted {
			wf.Results[tid] = t.Result
		}
	}
	return &wf, nil
}

func (s *RedisStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus, completed, failed int) error {
	data, err := s.client.Get(ctx, s.wfKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return err
	}
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("unmarshal workflow: %w", err)
	}
	wf.Status = status
	wf.CompletedCount = completed
	wf.FailedCount = failed
	wf.UpdatedAt = time.Now()
	out, err := json.Marshal(&wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	return s.client.Set(ctx, s.wfKey(id), out, 0).Err()
}

func (s *RedisStore) ListIncompleteTasks(ctx context.Context, workflowID string) ([]TaskRecovery, error) {
	ids, err := s.client.SMembers(ctx, s.wfTasksKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	var out []TaskRecovery
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.IsTerminal() {
			continue
		}
		out = append(out, TaskRecovery{
			ID:           t.ID,
			Name:         t.Name,
			Dependencies: append([]string(nil), t.DependsOn...),
			CanResume:    true,
		})
	}
	return out, nil
}

func (s *RedisStore) ListResumableWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	ids, err := s.client.SMembers(ctx, s.workflowsKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []WorkflowSummary
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			if types.GetErrorCode(err) == types.ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		if wf.Status.IsTerminal() {
			continue
		}
		completed := 0
		for _, t := range wf.Tasks {
			if t.Status == types.TaskCompleted {
				completed++
			}
		}
		out = append(out, WorkflowSummary{
			ID:        wf.ID,
			Name:      wf.Name,
			Completed: completed,
			Total:     len(wf.Tasks),
		})
	}
	return out, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ids, err := s.client.SMembers(ctx, s.workflowsKey()).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			if types.GetErrorCode(err) == types.ErrCodeNotFound {
				continue
			}
			return removed, err
		}
		if !wf.Status.IsTerminal() || !wf.UpdatedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		for tid := range wf.Tasks {
			pipe.Del(ctx, s.taskKey(tid))
		}
		pipe.Del(ctx, s.wfTasksKey(id))
		pipe.Del(ctx, s.wfKey(id))
		pipe.SRem(ctx, s.workflowsKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("archived terminal workflows", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
