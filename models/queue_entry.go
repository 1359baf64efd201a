package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

func (a QueueAction) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSyncing QueueStatus = "syncing"
	QueueStatusFailed  QueueStatus = "failed"
	// QueueStatusDead entries exhausted their attempts and wait for an operator.
	QueueStatusDead QueueStatus = "dead"
)

// QueueEntry is one pending mutation against a remote collection.
type QueueEntry struct {
	Seq           uint64         `gorm:"primaryKey" json:"seq"`
	ID            string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	Action        QueueAction    `gorm:"type:varchar(10);not null" json:"action"`
	Table         string         `gorm:"column:target_table;type:varchar(64);not null;index:idx_queue_record" json:"table"`
	RecordID      string         `gorm:"type:varchar(128);index:idx_queue_record" json:"record_id"`
	Data          datatypes.JSON `json:"data"`
	Status        QueueStatus    `gorm:"type:varchar(10);not null;index" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (QueueEntry) TableName() string {
	return "sync_queue"
}

// Record decodes the payload captured at enqueue time.
func (e QueueEntry) Record() (Record, error) {
	var rec Record
	if len(e.Data) == 0 {
		return NewRecord(e.RecordID, nil), nil
	}
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = e.RecordID
	}
	return rec, nil
}

// Due reports whether a backed-off entry may be attempted at now.
func (e QueueEntry) Due(now time.Time) bool {
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}
