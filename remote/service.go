// Package remote is the boundary to the central database: CRUD over named
// collections plus a change subscription.
package remote

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yeremiapane/restaurant-sync/models"
)

// Query selects records of one collection. Filter values are compared for
// equality against payload fields ("id" matches the record id).
type Query struct {
	Filter  map[string]interface{}
	OrderBy string
	Desc    bool
	Limit   int
}

type ChangeAction string

const (
	ChangeInsert ChangeAction = "INSERT"
	ChangeUpdate ChangeAction = "UPDATE"
	ChangeDelete ChangeAction = "DELETE"
)

type ChangeEvent struct {
	Collection string
	Action     ChangeAction
	RecordID   string
	Record     *models.Record // nil for deletes
	ChangedAt  time.Time
}

type Service interface {
	// Insert stores rec and returns the id the service assigned. Offline ids
	// are replaced by a server id; replaying the same offline id returns the
	// id assigned the first time.
	Insert(ctx context.Context, collection string, rec models.Record) (string, error)
	Update(ctx context.Context, collection, id string, patch map[string]interface{}) error
	// Delete succeeds when the record does not exist.
	Delete(ctx context.Context, collection, id string) error
	Select(ctx context.Context, collection string, q Query) ([]models.Record, error)
	Subscribe(collection string, filter map[string]interface{}, fn func(ChangeEvent)) (unsubscribe func())
}

// matches reports whether rec satisfies every filter entry.
func matches(rec models.Record, filter map[string]interface{}) bool {
	for k, v := range filter {
		if k == models.FieldID {
			if rec.ID != fmt.Sprint(v) {
				return false
			}
			continue
		}
		got, ok := rec.Map()[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// sortAndLimit orders recs by q.OrderBy (timestamps chronologically, numbers
// numerically, everything else as text) and applies q.Limit.
func sortAndLimit(recs []models.Record, q Query) []models.Record {
	if q.OrderBy != "" {
		key := q.OrderBy
		less := func(a, b models.Record) bool {
			switch key {
			case models.FieldID:
				return a.ID < b.ID
			case models.FieldCreatedAt:
				return a.CreatedAt.Before(b.CreatedAt)
			case models.FieldUpdatedAt:
				return a.Timestamp().Before(b.Timestamp())
			}
			av, _ := a.Get(key)
			bv, _ := b.Get(key)
			af, aNum := av.(float64)
			bf, bNum := bv.(float64)
			if aNum && bNum {
				return af < bf
			}
			return fmt.Sprint(av) < fmt.Sprint(bv)
		}
		sort.SliceStable(recs, func(i, j int) bool {
			if q.Desc {
				return less(recs[j], recs[i])
			}
			return less(recs[i], recs[j])
		})
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs
}

// patchTime extracts updated_at from a patch, if present.
func patchTime(patch map[string]interface{}) (time.Time, bool) {
	v, ok := patch[models.FieldUpdatedAt]
	if !ok {
		return time.Time{}, false
	}
	rec := models.RecordFromMap(map[string]interface{}{models.FieldUpdatedAt: v})
	return rec.UpdatedAt, !rec.UpdatedAt.IsZero()
}
