// Package store is the on-device record store: named collections of records
// in a local SQLite file, durable across restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/database"
	"github.com/yeremiapane/restaurant-sync/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrClosed = errors.New("local store is closed")

type localRecord struct {
	Collection string         `gorm:"primaryKey;type:varchar(64)"`
	ID         string         `gorm:"primaryKey;type:varchar(128)"`
	Synced     bool           `gorm:"not null;default:false;index"`
	Data       datatypes.JSON `gorm:"not null"`
	StoredAt   time.Time      `gorm:"not null"`
}

func (localRecord) TableName() string {
	return "local_records"
}

// LocalStore is safe for concurrent use. Reads share a lock, writes and
// Update transactions take it exclusively, so a reader never observes half of
// a multi-record change.
type LocalStore struct {
	db     *gorm.DB
	owned  bool
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store file at path.
func Open(path string) (*LocalStore, error) {
	db, err := database.OpenLocal(path)
	if err != nil {
		return nil, apperrors.Storage("open local store", err)
	}
	s, err := New(db)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an already opened database. Close will not close db.
func New(db *gorm.DB) (*LocalStore, error) {
	if err := db.AutoMigrate(&localRecord{}); err != nil {
		return nil, apperrors.Storage("migrate local store", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return database.Close(s.db)
	}
	return nil
}

// DB exposes the underlying handle so the sync queue can live in the same file.
func (s *LocalStore) DB() *gorm.DB {
	return s.db
}

func (s *LocalStore) Get(ctx context.Context, collection, id string) (models.Record, bool, error) {
	var (
		rec   models.Record
		found bool
	)
	err := s.View(ctx, func(tx *Txn) error {
		var err error
		rec, found, err = tx.Get(collection, id)
		return err
	})
	return rec, found, err
}

// GetAll returns every record of a collection, sorted by id.
func (s *LocalStore) GetAll(ctx context.Context, collection string) ([]models.Record, error) {
	var recs []models.Record
	err := s.View(ctx, func(tx *Txn) error {
		var err error
		recs, err = tx.GetAll(collection)
		return err
	})
	return recs, err
}

// Find returns the records whose payload field equals value.
func (s *LocalStore) Find(ctx context.Context, collection, field string, value interface{}) ([]models.Record, error) {
	var recs []models.Record
	err := s.View(ctx, func(tx *Txn) error {
		var err error
		recs, err = tx.Find(collection, field, value)
		return err
	})
	return recs, err
}

func (s *LocalStore) Put(ctx context.Context, collection string, rec models.Record) error {
	return s.Update(ctx, func(tx *Txn) error {
		return tx.Put(collection, rec)
	})
}

func (s *LocalStore) BulkPut(ctx context.Context, collection string, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.Update(ctx, func(tx *Txn) error {
		for _, rec := range recs {
			if err := tx.Put(collection, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) Delete(ctx context.Context, collection, id string) error {
	return s.Update(ctx, func(tx *Txn) error {
		return tx.Delete(collection, id)
	})
}

// Update runs fn in one SQL transaction under the exclusive lock. Any error
// rolls everything back.
func (s *LocalStore) Update(ctx context.Context, fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.Storage("update", ErrClosed)
	}

	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Txn{db: gtx})
	})
	return wrapStorage("update", err)
}

// View runs read-only work under the shared lock.
func (s *LocalStore) View(ctx context.Context, fn func(tx *Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperrors.Storage("view", ErrClosed)
	}
	return wrapStorage("view", fn(&Txn{db: s.db.WithContext(ctx)}))
}

// Prune removes synced records whose timestamp is before olderThan. keep may
// veto individual records (e.g. ones still referenced by the queue).
func (s *LocalStore) Prune(ctx context.Context, collection string, olderThan time.Time, keep func(models.Record) bool) ([]models.Record, error) {
	var pruned []models.Record
	err := s.Update(ctx, func(tx *Txn) error {
		recs, err := tx.GetAll(collection)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !rec.Synced || !rec.Timestamp().Before(olderThan) {
				continue
			}
			if keep != nil && keep(rec) {
				continue
			}
			if err := tx.Delete(collection, rec.ID); err != nil {
				return err
			}
			pruned = append(pruned, rec)
		}
		return nil
	})
	return pruned, err
}

// wrapStorage leaves typed errors alone and marks everything else as storage failure.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Storage(op, err)
}

// Txn is the view of the store inside View/Update.
type Txn struct {
	db *gorm.DB
}

// Gorm returns the transaction handle for collaborators sharing the database.
func (t *Txn) Gorm() *gorm.DB {
	return t.db
}

func (t *Txn) Get(collection, id string) (models.Record, bool, error) {
	var row localRecord
	err := t.db.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, err
	}
	rec, err := decode(row)
	return rec, err == nil, err
}

func (t *Txn) GetAll(collection string) ([]models.Record, error) {
	var rows []localRecord
	if err := t.db.Where("collection = ?", collection).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

func (t *Txn) Find(collection, field string, value interface{}) ([]models.Record, error) {
	var rows []localRecord
	err := t.db.Where("collection = ?", collection).
		Where(datatypes.JSONQuery("data").Equals(value, field)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

// Put upserts rec by (collection, id).
func (t *Txn) Put(collection string, rec models.Record) error {
	if rec.ID == "" {
		return apperrors.Validation("put "+collection, "record id is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.ValidationWrap("put "+collection, err)
	}
	row := localRecord{
		Collection: collection,
		ID:         rec.ID,
		Synced:     rec.Synced,
		Data:       datatypes.JSON(data),
		StoredAt:   time.Now().UTC(),
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"synced", "data", "stored_at"}),
	}).Create(&row).Error
}

func (t *Txn) Delete(collection, id string) error {
	return t.db.Where("collection = ? AND id = ?", collection, id).Delete(&localRecord{}).Error
}

// RewriteID moves collection/oldID to newID, marks it synced and repoints
// every child reference declared by relations. Returns how many child
// records were rewritten. A missing record is not an error; its children are
// still repointed.
func (t *Txn) RewriteID(collection, oldID, newID string, relations []models.Relation) (int, error) {
	rec, found, err := t.Get(collection, oldID)
	if err != nil {
		return 0, err
	}
	if found {
		if oldID != newID {
			if err := t.Delete(collection, oldID); err != nil {
				return 0, err
			}
		}
		rec.ID = newID
		rec.Synced = true
		if err := t.Put(collection, rec); err != nil {
			return 0, err
		}
	}
	if oldID == newID {
		return 0, nil
	}

	rewritten := 0
	for _, rel := range relations {
		if rel.Parent != collection {
			continue
		}
		children, err := t.Find(rel.Child, rel.Field, oldID)
		if err != nil {
			return rewritten, err
		}
		for _, child := range children {
			child.Set(rel.Field, newID)
			if err := t.Put(rel.Child, child); err != nil {
				return rewritten, err
			}
			rewritten++
		}
	}
	return rewritten, nil
}

func decode(row localRecord) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(row.Data, &rec); err != nil {
		return models.Record{}, err
	}
	rec.ID = row.ID
	rec.Synced = row.Synced
	return rec, nil
}

func decodeAll(rows []localRecord) ([]models.Record, error) {
	recs := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decode(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}
