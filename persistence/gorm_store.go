package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

// taskRecord is the GORM row for one task. Parameter trees are stored in
// their encoded textual form (result references as {{id.result}} markers)
// and re-parsed on load.
type taskRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkflowID  string `gorm:"index;size:64"`
	Name        string `gorm:"size:255"`
	Protocol    string `gorm:"size:64"`
	Method      string `gorm:"size:128"`
	Params      string `gorm:"type:text"`
	DependsOn   string `gorm:"type:text"`
	Priority    string `gorm:"size:16"`
	Status      string `gorm:"index;size:16"`
	Retry       string `gorm:"type:text"`
	Attempts    int
	TimeoutNs   int64
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	Metadata    string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (taskRecord) TableName() string { return "taskmesh_tasks" }

// workflowRecord is the GORM row for one workflow.
type workflowRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:255"`
	Status         string `gorm:"index;size:16"`
	CompletedCount int
	FailedCount    int
	Metadata       string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (workflowRecord) TableName() string { return "taskmesh_workflows" }

// GormStore is the relational Store backend. The dialect (sqlite, mysql,
// postgres) is selected by configuration; the schema is auto-migrated on
// open.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens a database for the configured dialect and migrates the
// schema.
func NewGormStore(cfg StoreConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:taskmesh.db"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("unsupported dialect %q", cfg.Dialect))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&taskRecord{}, &workflowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func (s *GormStore) PutTask(ctx context.Context, task *types.Task) error {
	rec, err := toTaskRecord(task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *GormStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var rec taskRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
		}
		return nil, err
	}
	return fromTaskRecord(&rec)
}

func (s *GormStore) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, attempts int) error {
	res := s.db.WithContext(ctx).Model(&taskRecord{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "attempts": attempts, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	return nil
}

func (s *GormStore) CompleteTask(ctx context.Context, id string, result any, errMsg string) error {
	now := time.Now()
	updates := map[string]any{"updated_at": now, "completed_at": now}
	if errMsg != "" {
		updates["status"] = string(types.TaskFailed)
		updates["error"] = errMsg
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		updates["status"] = string(types.TaskCompleted)
		updates["result"] = string(data)
	}
	res := s.db.WithContext(ctx).Model(&taskRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	return nil
}

func (s *GormStore) PutWorkflow(ctx context.Context, wf *types.Workflow) error {
	meta, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	rec := &workflowRecord{
		ID:             wf.ID,
		Name:           wf.Name,
		Status:         string(wf.Status),
		CompletedCount: wf.CompletedCount,
		FailedCount:    wf.FailedCount,
		Metadata:       string(meta),
		CreatedAt:      wf.CreatedAt,
		UpdatedAt:      wf.UpdatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		for _, t := range wf.Tasks {
			trec, err := toTaskRecord(t)
			if err != nil {
				return err
			}
			if err := tx.Save(trec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var rec workflowRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
		}
		return nil, err
	}

	wf := types.NewWorkflow(rec.ID, rec.Name)
	wf.Status = types.WorkflowStatus(rec.Status)
	wf.CompletedCount = rec.CompletedCount
	wf.FailedCount = rec.FailedCount
	wf.CreatedAt = rec.CreatedAt
	wf.UpdatedAt = rec.UpdatedAt
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	var taskRecs []taskRecord
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", id).Find(&taskRecs).Error; err != nil {
		return nil, err
	}
	for i := range taskRecs {
		t, err := fromTaskRecord(&taskRecs[i])
		if err != nil {
			return nil, err
		}
		wf.Tasks[t.ID] = t
		if t.Status == types.TaskCompleted {
			wf.Results[t.ID] = t.Result
		}
	}
	return wf, nil
}

func (s *GormStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus, completed, failed int) error {
	res := s.db.WithContext(ctx).Model(&workflowRecord{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":          string(status),
			"completed_count": completed,
			"failed_count":    failed,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

func (s *GormStore) ListIncompleteTasks(ctx context.Context, workflowID string) ([]TaskRecovery, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND status NOT IN ?", workflowID,
			[]string{string(types.TaskCompleted), string(types.TaskFailed), string(types.TaskCancelled)}).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]TaskRecovery, 0, len(recs))
	for i := range recs {
		var deps []string
		if recs[i].DependsOn != "" {
			if err := json.Unmarshal([]byte(recs[i].DependsOn), &deps); err != nil {
				return nil, fmt.Errorf("unmarshal dependencies: %w", err)
			}
		}
		out = append(out, TaskRecovery{
			ID:           recs[i].ID,
			Name:         recs[i].Name,
			Dependencies: deps,
			CanResume:    true,
		})
	}
	return out, nil
}

func (s *GormStore) ListResumableWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	var recs []workflowRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(types.WorkflowPending), string(types.WorkflowRunning)}).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowSummary, 0, len(recs))
	for i := range recs {
		var total, completed int64
		if err := s.db.WithContext(ctx).Model(&taskRecord{}).
			Where("workflow_id = ?", recs[i].ID).Count(&total).Error; err != nil {
			return nil, err
		}
		if err := s.db.WithContext(ctx).Model(&taskRecord{}).
			Where("workflow_id = ? AND status = ?", recs[i].ID, string(types.TaskCompleted)).
			Count(&completed).Error; err != nil {
			return nil, err
		}
		out = append(out, WorkflowSummary{
			ID:        recs[i].ID,
			Name:      recs[i].Name,
			Completed: int(completed),
			Total:     int(total),
		})
	}
	return out, nil
}

func (s *GormStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	terminal := []string{
		string(types.WorkflowCompleted),
		string(types.WorkflowFailed),
		string(types.WorkflowCancelled),
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&workflowRecord{}).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id IN ?", ids).Delete(&taskRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&workflowRecord{}).Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("archived terminal workflows", zap.Int("count", len(ids)))
	return len(ids), nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toTaskRecord(t *types.Task) (*taskRecord, error) {
	params, err := json.Marshal(resolver.Encode(t.Params))
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}
	retry, err := json.Marshal(t.Retry)
	if err != nil {
		return nil, fmt.Errorf("marshal retry policy: %w", err)
	}
	result := ""
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		result = string(data)
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return &taskRecord{
		ID:          t.ID,
		WorkflowID:  t.WorkflowID,
		Name:        t.Name,
		Protocol:    t.Protocol,
		Method:      t.Method,
		Params:      string(params),
		DependsOn:   string(deps),
		Priority:    string(t.Priority),
		Status:      string(t.Status),
		Retry:       string(retry),
		Attempts:    t.Attempts,
		TimeoutNs:   int64(t.Timeout),
		Result:      result,
		Error:       t.Error,
		Metadata:    string(meta),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}, nil
}

func fromTaskRecord(rec *taskRecord) (*types.Task, error) {
	t := &types.Task{
		ID:          rec.ID,
		WorkflowID:  rec.WorkflowID,
		Name:        rec.Name,
		Protocol:    rec.Protocol,
		Method:      rec.Method,
		Priority:    types.Priority(rec.Priority),
		Status:      types.TaskStatus(rec.Status),
		Attempts:    rec.Attempts,
		Timeout:     time.Duration(rec.TimeoutNs),
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Params != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(rec.Params), &raw); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		t.Params = resolver.Parse(raw, nil)
	}
	if rec.DependsOn != "" {
		if err := json.Unmarshal([]byte(rec.DependsOn), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if rec.Retry != "" {
		if err := json.Unmarshal([]byte(rec.Retry), &t.Retry); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy: %w", err)
		}
	}
	if rec.Result != "" {
		if err := json.Unmarshal([]byte(rec.Result), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return t, nil
}
