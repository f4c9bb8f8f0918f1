package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	taskDB "notebook-scheduler/internal/task-manager/db"
	gorm_db "notebook-scheduler/pkg/db"
)

// GormStore keeps records in the GORM database (sqlite or mysql).
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore migrates the task record table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := gorm_db.AutoMigrate(db, &taskDB.TaskRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{DB: db}, nil
}

func (s *GormStore) Create(ctx context.Context, rec *Record) error {
	row := taskDB.TaskRecord{
		TaskID:   rec.TaskID,
		Executor: rec.Executor,
		Priority: rec.Priority,
		State:    string(rec.State),
		Detail:   rec.Detail,
		Result:   rec.Result,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create task record %s: %w", rec.TaskID, err)
	}
	rec.CreatedAt, rec.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

func (s *GormStore) Transition(ctx context.Context, taskID string, state State, detail, result string) error {
	now := time.Now()
	updateData := map[string]interface{}{
		"state":      string(state),
		"detail":     detail,
		"result":     result,
		"updated_at": now,
	}
	switch {
	case state == StateRunning:
		updateData["started_at"] = now
	case state.Terminal():
		updateData["finished_at"] = now
	}
	res := s.DB.WithContext(ctx).Model(&taskDB.TaskRecord{}).Where("task_id = ?", taskID).Updates(updateData)
	if res.Error != nil {
		return fmt.Errorf("failed to update task record %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, taskID string) (*Record, error) {
	var row taskDB.TaskRecord
	if err := s.DB.WithContext(ctx).Where("task_id = ?", taskID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to fetch task record %s: %w", taskID, err)
	}
	return fromRow(&row), nil
}

func (s *GormStore) List(ctx context.Context, state State, limit int) ([]*Record, error) {
	query := s.DB.WithContext(ctx).Model(&taskDB.TaskRecord{}).Order("id desc")
	if state != "" {
		query = query.Where("state = ?", string(state))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []taskDB.TaskRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromRow(row *taskDB.TaskRecord) *Record {
	return &Record{
		TaskID:     row.TaskID,
		Executor:   row.Executor,
		Priority:   row.Priority,
		State:      State(row.State),
		Detail:     row.Detail,
		Result:     row.Result,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
}

var _ Store = (*GormStore)(nil)
