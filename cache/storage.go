package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Response is a stored HTTP response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Storage keeps cached responses in the cache_entries table. Recently used
// entries are also held in memory.
type Storage struct {
	db  *gorm.DB
	hot *lru.Cache[string, Response]
}

func NewStorage(db *gorm.DB, hotEntries int) (*Storage, error) {
	if hotEntries <= 0 {
		hotEntries = 256
	}
	if err := db.AutoMigrate(&models.CacheEntry{}); err != nil {
		return nil, apperrors.Storage("migrate cache entries", err)
	}
	hot, err := lru.New[string, Response](hotEntries)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, hot: hot}, nil
}

func hotKey(cacheName, key string) string {
	return cacheName + "\x00" + key
}

func (s *Storage) Get(ctx context.Context, cacheName, key string) (Response, bool, error) {
	if resp, ok := s.hot.Get(hotKey(cacheName, key)); ok {
		return resp, true, nil
	}

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("cache_name = ? AND cache_key = ?", cacheName, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, apperrors.Storage("cache get", err)
	}

	resp := Response{Status: entry.Status, Body: entry.Body, StoredAt: entry.StoredAt, Header: http.Header{}}
	if len(entry.Header) > 0 {
		if err := json.Unmarshal(entry.Header, &resp.Header); err != nil {
			return Response{}, false, apperrors.Storage("cache get", err)
		}
	}
	s.hot.Add(hotKey(cacheName, key), resp)
	return resp, true, nil
}

func (s *Storage) Put(ctx context.Context, cacheName, key string, resp Response) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return apperrors.Storage("cache put", err)
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	entry := models.CacheEntry{
		CacheName: cacheName,
		Key:       key,
		Status:    resp.Status,
		Header:    datatypes.JSON(header),
		Body:      resp.Body,
		StoredAt:  resp.StoredAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_name"}, {Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "header", "body", "stored_at"}),
	}).Create(&entry).Error
	if err != nil {
		return apperrors.Storage("cache put", err)
	}
	s.hot.Add(hotKey(cacheName, key), resp)
	return nil
}

// Names lists every cache namespace that holds at least one entry.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).Distinct("cache_name").Pluck("cache_name", &names).Error
	if err != nil {
		return nil, apperrors.Storage("cache names", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Storage) Keys(ctx context.Context, cacheName string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("cache_name = ?", cacheName).
		Order("cache_key ASC").
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, apperrors.Storage("cache keys", err)
	}
	return keys, nil
}

// DeleteCache drops a whole namespace.
func (s *Storage) DeleteCache(ctx context.Context, cacheName string) error {
	if err := s.db.WithContext(ctx).Where("cache_name = ?", cacheName).Delete(&models.CacheEntry{}).Error; err != nil {
		return apperrors.Storage("cache delete", err)
	}
	prefix := cacheName + "\x00"
	for _, k := range s.hot.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.hot.Remove(k)
		}
	}
	return nil
}
