package db

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the persisted status of one submitted task.
type TaskRecord struct {
	gorm.Model            // Includes ID, CreatedAt, UpdatedAt, DeletedAt
	TaskID     string     `json:"task_id" gorm:"size:36;uniqueIndex"`
	Executor   string     `json:"executor" gorm:"index"`
	Priority   int        `json:"priority"`
	State      string     `json:"state" gorm:"index"` // PENDING, RUNNING, SUCCEEDED, FAILED
	Detail     string     `json:"detail" gorm:"type:text"`
	Result     string     `json:"result" gorm:"type:text"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}
