package models

import (
	"time"
)

// DBChange is the remote change log. Every remote mutation appends one row in
// the same transaction; subscribers follow it past a cursor.
type DBChange struct {
	ID         uint64    `gorm:"primaryKey"`
	Collection string    `gorm:"column:table_name;type:varchar(64);not null;index:idx_table_action"`
	RecordID   string    `gorm:"type:varchar(128);not null"`
	ActionType string    `gorm:"type:varchar(10);not null;index:idx_table_action"`
	ChangedAt  time.Time `gorm:"not null;index"`
}

func (DBChange) TableName() string {
	return "db_changes"
}
