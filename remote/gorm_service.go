package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type remoteRecord struct {
	Collection string         `gorm:"primaryKey;type:varchar(64)"`
	ID         string         `gorm:"primaryKey;type:varchar(128)"`
	ClientRef  *string        `gorm:"type:varchar(128);index:idx_client_ref"`
	Data       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"autoCreateTime:false;not null"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime:false;not null;index"`
}

func (remoteRecord) TableName() string {
	return "remote_records"
}

// GormService implements Service on a relational database through GORM.
// Every mutation writes a db_changes row in the same transaction; Changes
// turns those rows into subscription events.
type GormService struct {
	DB      *gorm.DB
	Changes *ChangeMonitor
	Now     func() time.Time
}

func NewGormService(db *gorm.DB) (*GormService, error) {
	if err := db.AutoMigrate(&remoteRecord{}, &models.DBChange{}); err != nil {
		return nil, apperrors.Network("migrate remote", err)
	}
	svc := &GormService{DB: db, Now: time.Now}
	svc.Changes = NewChangeMonitor(db, svc.load)
	return svc, nil
}

func (s *GormService) Insert(ctx context.Context, collection string, rec models.Record) (string, error) {
	var assigned string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var clientRef *string
		id := rec.ID
		switch {
		case models.IsOfflineID(rec.ID):
			var existing remoteRecord
			err := tx.Where("collection = ? AND client_ref = ?", collection, rec.ID).Take(&existing).Error
			if err == nil {
				// create replayed after a lost response
				assigned = existing.ID
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			ref := rec.ID
			clientRef = &ref
			id = uuid.NewString()
		case rec.ID == "":
			id = uuid.NewString()
		default:
			var n int64
			if err := tx.Model(&remoteRecord{}).Where("collection = ? AND id = ?", collection, rec.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return apperrors.Conflict("insert "+collection, "record "+rec.ID+" already exists")
			}
		}

		stored := rec.Clone()
		stored.ID = id
		stored.Synced = true
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.Now().UTC()
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = stored.CreatedAt
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return apperrors.ValidationWrap("insert "+collection, err)
		}
		row := remoteRecord{
			Collection: collection,
			ID:         id,
			ClientRef:  clientRef,
			Data:       datatypes.JSON(data),
			CreatedAt:  stored.CreatedAt,
			UpdatedAt:  stored.UpdatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		assigned = id
		return s.logChange(tx, collection, id, ChangeInsert)
	})
	if err != nil {
		return "", classify("insert "+collection, err)
	}
	return assigned, nil
}

// Update merges patch into the stored record. A missing record, an offline
// id, or a patch whose updated_at is older than the stored one is a conflict.
func (s *GormService) Update(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	op := "update " + collection
	if models.IsOfflineID(id) {
		return apperrors.Conflict(op, "offline id "+id+" is not a server record")
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row remoteRecord
		err := tx.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Conflict(op, "record "+id+" does not exist")
		}
		if err != nil {
			return err
		}

		current, err := decodeRemote(row)
		if err != nil {
			return err
		}
		at, hasTime := patchTime(patch)
		if hasTime && current.Timestamp().After(at) {
			return apperrors.Conflict(op, "stale write for "+id)
		}
		if !hasTime {
			at = s.Now().UTC()
		}

		for k, v := range patch {
			if k == models.FieldID || k == models.FieldSynced || k == models.FieldCreatedAt {
				continue
			}
			current.Set(k, v)
		}
		current.UpdatedAt = at
		current.Synced = true

		data, err := json.Marshal(current)
		if err != nil {
			return apperrors.ValidationWrap(op, err)
		}
		err = tx.Model(&remoteRecord{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]interface{}{"data": datatypes.JSON(data), "updated_at": at}).Error
		if err != nil {
			return err
		}
		return s.logChange(tx, collection, id, ChangeUpdate)
	})
	return classify(op, err)
}

func (s *GormService) Delete(ctx context.Context, collection, id string) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("collection = ? AND id = ?", collection, id).Delete(&remoteRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return s.logChange(tx, collection, id, ChangeDelete)
	})
	return classify("delete "+collection, err)
}

func (s *GormService) Select(ctx context.Context, collection string, q Query) ([]models.Record, error) {
	db := s.DB.WithContext(ctx).Where("collection = ?", collection)
	for k, v := range q.Filter {
		if k == models.FieldID {
			db = db.Where("id = ?", v)
			continue
		}
		db = db.Where(datatypes.JSONQuery("data").Equals(v, k))
	}

	var rows []remoteRecord
	if err := db.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, classify("select "+collection, err)
	}
	recs := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRemote(row)
		if err != nil {
			return nil, apperrors.ValidationWrap("select "+collection, err)
		}
		recs = append(recs, rec)
	}
	return sortAndLimit(recs, q), nil
}

func (s *GormService) Subscribe(collection string, filter map[string]interface{}, fn func(ChangeEvent)) func() {
	return s.Changes.Subscribe(collection, filter, fn)
}

func (s *GormService) load(ctx context.Context, collection, id string) (*models.Record, error) {
	var row remoteRecord
	err := s.DB.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRemote(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormService) logChange(tx *gorm.DB, collection, id string, action ChangeAction) error {
	return tx.Create(&models.DBChange{
		Collection: collection,
		RecordID:   id,
		ActionType: string(action),
		ChangedAt:  s.Now().UTC(),
	}).Error
}

func decodeRemote(row remoteRecord) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(row.Data, &rec); err != nil {
		return models.Record{}, err
	}
	rec.ID = row.ID
	rec.Synced = true
	return rec, nil
}

// classify keeps typed errors and maps database failures onto the taxonomy:
// constraint violations are conflicts, everything else is treated as the
// remote being unreachable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return &apperrors.Error{Kind: apperrors.KindConflict, Op: op, Message: "constraint violation", Err: err}
	}
	return apperrors.Network(op, err)
}
