package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry is one stored HTTP response inside a versioned cache namespace.
type CacheEntry struct {
	CacheName string         `gorm:"primaryKey;type:varchar(64)"`
	Key       string         `gorm:"column:cache_key;primaryKey;type:varchar(512)"`
	Status    int            `gorm:"not null"`
	Header    datatypes.JSON `gorm:"type:json"`
	Body      []byte         `gorm:"type:blob"`
	StoredAt  time.Time      `gorm:"not null;index"`
}
