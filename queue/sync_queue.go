// Package queue is the ordered log of mutations waiting for the remote
// service. Entries live in the local store's database and keep their order
// across restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Backoff controls retry scheduling of failed entries.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff: 5s, 10s, 20s ... capped at 5m; dead after 10 attempts.
var DefaultBackoff = Backoff{
	Base:        5 * time.Second,
	Max:         5 * time.Minute,
	MaxAttempts: 10,
}

// Delay returns the wait before attempt number attempts+1.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 || attempts <= 0 {
		return 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempts-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Stats is the number of entries per status.
type Stats struct {
	Pending int64 `json:"pending"`
	Syncing int64 `json:"syncing"`
	Failed  int64 `json:"failed"`
	Dead    int64 `json:"dead"`
}

type SyncQueue struct {
	db  *gorm.DB
	Now func() time.Time

	// Relations tell Requeue which dead entries wait on a record.
	Relations []models.Relation

	mu   sync.Mutex
	last time.Time
}

// New attaches the queue to the store's database. Entries left in syncing by
// an interrupted drain go back to pending.
func New(s *store.LocalStore) (*SyncQueue, error) {
	db := s.DB()
	if err := db.AutoMigrate(&models.QueueEntry{}); err != nil {
		return nil, apperrors.Storage("migrate sync queue", err)
	}
	res := db.Model(&models.QueueEntry{}).
		Where("status = ?", models.QueueStatusSyncing).
		Update("status", models.QueueStatusPending)
	if res.Error != nil {
		return nil, apperrors.Storage("reset syncing entries", res.Error)
	}
	if res.RowsAffected > 0 {
		utils.InfoLogger.Printf("Sync queue: %d interrupted entries returned to pending", res.RowsAffected)
	}

	q := &SyncQueue{db: db, Now: time.Now, Relations: models.OrderRelations}

	var newest models.QueueEntry
	if err := db.Order("seq DESC").Limit(1).Find(&newest).Error; err == nil && newest.Seq > 0 {
		q.last = newest.CreatedAt
	}
	return q, nil
}

// Enqueue appends a pending entry. created_at never moves backwards, so the
// created_at order and the insertion order agree.
func (q *SyncQueue) Enqueue(ctx context.Context, action models.QueueAction, table string, rec models.Record) (models.QueueEntry, error) {
	if !action.Valid() {
		return models.QueueEntry{}, apperrors.Validation("enqueue", "unknown action "+string(action))
	}
	if table == "" {
		return models.QueueEntry{}, apperrors.Validation("enqueue", "table is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return models.QueueEntry{}, apperrors.ValidationWrap("enqueue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now().UTC()
	if now.Before(q.last) {
		now = q.last
	}

	entry := models.QueueEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Table:     table,
		RecordID:  rec.ID,
		Data:      datatypes.JSON(data),
		Status:    models.QueueStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return models.QueueEntry{}, apperrors.Storage("enqueue", err)
	}
	q.last = now

	utils.InfoLogger.WithFields(logrus.Fields{
		"entry":  entry.ID,
		"table":  table,
		"action": action,
		"record": rec.ID,
	}).Debug("Mutation queued")
	return entry, nil
}

// GetPending returns every entry that still has to reach the remote service
// (pending, syncing, failed), oldest first. Dead entries are excluded.
func (q *SyncQueue) GetPending(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := q.db.WithContext(ctx).
		Where("status IN ?", []models.QueueStatus{models.QueueStatusPending, models.QueueStatusSyncing, models.QueueStatusFailed}).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.Storage("get pending", err)
	}
	return entries, nil
}

// All returns every entry including dead ones, oldest first.
func (q *SyncQueue) All(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := q.db.WithContext(ctx).Order("created_at ASC").Order("seq ASC").Find(&entries).Error; err != nil {
		return nil, apperrors.Storage("list queue", err)
	}
	return entries, nil
}

func (q *SyncQueue) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	var entry models.QueueEntry
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry, apperrors.NotFound("get entry", "queue entry "+id+" not found")
	}
	if err != nil {
		return entry, apperrors.Storage("get entry", err)
	}
	return entry, nil
}

func (q *SyncQueue) UpdateStatus(ctx context.Context, id string, status models.QueueStatus) error {
	return q.update(ctx, "update status", id, map[string]interface{}{
		"status":     status,
		"updated_at": q.Now().UTC(),
	})
}

// Claim moves an entry to syncing unless someone else already holds it.
// Returns false when the entry is gone or already syncing.
func (q *SyncQueue) Claim(ctx context.Context, id string) (bool, error) {
	res := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ? AND status IN ?", id, []models.QueueStatus{models.QueueStatusPending, models.QueueStatusFailed}).
		Updates(map[string]interface{}{
			"status":     models.QueueStatusSyncing,
			"updated_at": q.Now().UTC(),
		})
	if res.Error != nil {
		return false, apperrors.Storage("claim", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Remove deletes the entry after confirmed sync. Removing twice is harmless.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	return q.RemoveTx(q.db.WithContext(ctx), id)
}

// RemoveTx is Remove inside a caller's transaction.
func (q *SyncQueue) RemoveTx(tx *gorm.DB, id string) error {
	if err := tx.Where("id = ?", id).Delete(&models.QueueEntry{}).Error; err != nil {
		return apperrors.Storage("remove entry", err)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one. Once the
// attempts reach b.MaxAttempts the entry is dead-lettered. Returns the new status.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, cause error, b Backoff) (models.QueueStatus, error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	now := q.Now().UTC()
	attempts := entry.Attempts + 1
	status := models.QueueStatusFailed
	if b.MaxAttempts > 0 && attempts >= b.MaxAttempts {
		status = models.QueueStatusDead
	}
	next := now.Add(b.Delay(attempts))

	err = q.update(ctx, "mark failed", id, map[string]interface{}{
		"status":          status,
		"attempts":        attempts,
		"last_error":      errorText(cause),
		"next_attempt_at": &next,
		"updated_at":      now,
	})
	return status, err
}

// DeadLetter parks an entry that can never succeed as is.
func (q *SyncQueue) DeadLetter(ctx context.Context, id string, cause error) error {
	return q.update(ctx, "dead letter", id, map[string]interface{}{
		"status":     models.QueueStatusDead,
		"last_error": errorText(cause),
		"updated_at": q.Now().UTC(),
	})
}

func (q *SyncQueue) DeadLetters(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := q.db.WithContext(ctx).
		Where("status = ?", models.QueueStatusDead).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.Storage("dead letters", err)
	}
	return entries, nil
}

// Requeue puts a failed or dead entry back to pending with a fresh attempt
// budget. Dead entries waiting on its record come back with it: other entries
// for the same record and children referencing it through q.Relations, down
// the whole chain. Positions in the queue do not change.
func (q *SyncQueue) Requeue(ctx context.Context, id string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root models.QueueEntry
		err := tx.Where("id = ?", id).Take(&root).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("requeue", "queue entry "+id+" not found")
		}
		if err != nil {
			return apperrors.Storage("requeue", err)
		}
		var dead []models.QueueEntry
		if err := tx.Where("status = ? AND id <> ?", models.QueueStatusDead, id).Find(&dead).Error; err != nil {
			return apperrors.Storage("requeue", err)
		}

		ids := []string{root.ID}
		revived := map[string]bool{root.ID: true}
		frontier := []models.QueueEntry{root}
		for len(frontier) > 0 {
			parent := frontier[0]
			frontier = frontier[1:]
			for _, e := range dead {
				if revived[e.ID] || !q.waitsOn(e, parent) {
					continue
				}
				revived[e.ID] = true
				ids = append(ids, e.ID)
				frontier = append(frontier, e)
			}
		}

		err = tx.Model(&models.QueueEntry{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":          models.QueueStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"updated_at":      q.Now().UTC(),
		}).Error
		if err != nil {
			return apperrors.Storage("requeue", err)
		}
		if len(ids) > 1 {
			utils.InfoLogger.WithFields(logrus.Fields{
				"entry":   id,
				"revived": len(ids) - 1,
			}).Info("Dependent entries requeued")
		}
		return nil
	})
}

// waitsOn reports whether e cannot go through before parent does.
func (q *SyncQueue) waitsOn(e, parent models.QueueEntry) bool {
	if e.Table == parent.Table && e.RecordID == parent.RecordID {
		return true
	}
	rec, err := e.Record()
	if err != nil {
		return false
	}
	for _, rel := range q.Relations {
		if rel.Parent == parent.Table && rel.Child == e.Table && rec.String(rel.Field) == parent.RecordID {
			return true
		}
	}
	return false
}

// RetryAll clears the backoff of every failed entry so the next drain picks them up.
func (q *SyncQueue) RetryAll(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("status = ?", models.QueueStatusFailed).
		Update("next_attempt_at", nil)
	if res.Error != nil {
		return 0, apperrors.Storage("retry all", res.Error)
	}
	return res.RowsAffected, nil
}

// Count is the number of entries still owed to the remote service.
func (q *SyncQueue) Count(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("status <> ?", models.QueueStatusDead).
		Count(&n).Error
	if err != nil {
		return 0, apperrors.Storage("count", err)
	}
	return n, nil
}

func (q *SyncQueue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status models.QueueStatus
		N      int64
	}
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, apperrors.Storage("stats", err)
	}
	var st Stats
	for _, r := range rows {
		switch r.Status {
		case models.QueueStatusPending:
			st.Pending = r.N
		case models.QueueStatusSyncing:
			st.Syncing = r.N
		case models.QueueStatusFailed:
			st.Failed = r.N
		case models.QueueStatusDead:
			st.Dead = r.N
		}
	}
	return st, nil
}

// HasPending reports whether any live entry targets table/recordID.
func (q *SyncQueue) HasPending(ctx context.Context, table, recordID string) (bool, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("target_table = ? AND record_id = ? AND status <> ?", table, recordID, models.QueueStatusDead).
		Count(&n).Error
	if err != nil {
		return false, apperrors.Storage("has pending", err)
	}
	return n > 0, nil
}

// HasDeadCreate reports whether the create entry of table/recordID was
// dead-lettered.
func (q *SyncQueue) HasDeadCreate(ctx context.Context, table, recordID string) (bool, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("target_table = ? AND record_id = ? AND action = ? AND status = ?",
			table, recordID, models.ActionCreate, models.QueueStatusDead).
		Count(&n).Error
	if err != nil {
		return false, apperrors.Storage("has dead create", err)
	}
	return n > 0, nil
}

// OthersForRecordTx counts entries for table/recordID other than excludeID.
func (q *SyncQueue) OthersForRecordTx(tx *gorm.DB, table, recordID, excludeID string) (int64, error) {
	var n int64
	err := tx.Model(&models.QueueEntry{}).
		Where("target_table = ? AND record_id = ? AND id <> ?", table, recordID, excludeID).
		Count(&n).Error
	if err != nil {
		return 0, apperrors.Storage("count record entries", err)
	}
	return n, nil
}

// RewriteIDTx repoints queued payloads from oldID to newID: entries for the
// record itself and entries whose payload references it through relations.
// Runs inside the caller's transaction so it lands together with the local
// store rewrite.
func (q *SyncQueue) RewriteIDTx(tx *gorm.DB, table, oldID, newID string, relations []models.Relation) (int, error) {
	if oldID == newID {
		return 0, nil
	}
	var entries []models.QueueEntry
	if err := tx.Where("status <> ?", models.QueueStatusSyncing).Find(&entries).Error; err != nil {
		return 0, apperrors.Storage("rewrite queue ids", err)
	}

	changed := 0
	for _, entry := range entries {
		rec, err := entry.Record()
		if err != nil {
			return changed, apperrors.Storage("decode queue entry", err)
		}
		dirty := false
		if entry.Table == table && entry.RecordID == oldID {
			entry.RecordID = newID
			rec.ID = newID
			dirty = true
		}
		for _, rel := range relations {
			if rel.Parent == table && rel.Child == entry.Table && rec.String(rel.Field) == oldID {
				rec.Set(rel.Field, newID)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return changed, apperrors.Storage("encode queue entry", err)
		}
		err = tx.Model(&models.QueueEntry{}).Where("seq = ?", entry.Seq).Updates(map[string]interface{}{
			"record_id": entry.RecordID,
			"data":      datatypes.JSON(data),
		}).Error
		if err != nil {
			return changed, apperrors.Storage("rewrite queue ids", err)
		}
		changed++
	}
	return changed, nil
}

// Clear removes every entry. Used by the admin "discard queue" action.
func (q *SyncQueue) Clear(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Where("1 = 1").Delete(&models.QueueEntry{})
	if res.Error != nil {
		return 0, apperrors.Storage("clear", res.Error)
	}
	return res.RowsAffected, nil
}

func (q *SyncQueue) update(ctx context.Context, op, id string, values map[string]interface{}) error {
	res := q.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return apperrors.Storage(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound(op, "queue entry "+id+" not found")
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
