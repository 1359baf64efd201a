package store

import (
	"context"
	"time"

	"github.com/yeremiapane/restaurant-sync/models"
)

// SettingLastMenuSync holds the RFC3339 time of the last essential-data download.
const SettingLastMenuSync = "last_menu_sync"

func (s *LocalStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	rec, found, err := s.Get(ctx, models.CollectionSettings, key)
	if err != nil || !found {
		return "", false, err
	}
	return rec.String("value"), true, nil
}

func (s *LocalStore) SetSetting(ctx context.Context, key, value string) error {
	rec := models.NewRecord(key, map[string]interface{}{"value": value})
	rec.Synced = true
	rec.UpdatedAt = time.Now().UTC()
	return s.Put(ctx, models.CollectionSettings, rec)
}

func (s *LocalStore) GetTimeSetting(ctx context.Context, key string) (time.Time, bool, error) {
	v, found, err := s.GetSetting(ctx, key)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *LocalStore) SetTimeSetting(ctx context.Context, key string, t time.Time) error {
	return s.SetSetting(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
