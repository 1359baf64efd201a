// Package synchronizer moves local mutations to the remote service. Writes
// enter through SubmitMutation; Drain replays the sync queue in FIFO order.
package synchronizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/conflict"
	"github.com/yeremiapane/restaurant-sync/metrics"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
)

var ErrDrainInProgress = errors.New("drain already in progress")

type Options struct {
	Strategy  conflict.Strategy
	Relations []models.Relation
	Backoff   queue.Backoff
	Now       func() time.Time
}

// Summary describes one drain pass.
type Summary struct {
	Total        int           `json:"total"`
	Attempted    int           `json:"attempted"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Deferred     int           `json:"deferred"`
	Conflicts    int           `json:"conflicts"`
	DeadLettered int           `json:"deadLettered"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

type Synchronizer struct {
	store    *store.LocalStore
	queue    *queue.SyncQueue
	remote   remote.Service
	opts     Options
	validate *validator.Validate

	online   atomic.Value // func() bool
	draining atomic.Bool

	// writeMu orders local writes from SubmitMutation against the id
	// rewrites a drain commits.
	writeMu sync.Mutex
	// aliases maps "collection/offlineID" to the server id it became.
	aliasMu sync.RWMutex
	aliases map[string]string

	obsMu     sync.RWMutex
	observers []registeredObserver
	nextObs   int
}

func New(s *store.LocalStore, q *queue.SyncQueue, r remote.Service, opts Options) *Synchronizer {
	if opts.Strategy == "" {
		opts.Strategy = conflict.DefaultStrategy
	}
	if opts.Relations == nil {
		opts.Relations = models.OrderRelations
	}
	if opts.Backoff == (queue.Backoff{}) {
		opts.Backoff = queue.DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sy := &Synchronizer{
		store:    s,
		queue:    q,
		remote:   r,
		opts:     opts,
		validate: validator.New(),
		aliases:  make(map[string]string),
	}
	sy.SetConnectivity(func() bool { return true })
	return sy
}

// SetConnectivity installs the function SubmitMutation asks before sending
// directly. The status monitor provides it.
func (s *Synchronizer) SetConnectivity(online func() bool) {
	s.online.Store(online)
}

func (s *Synchronizer) isOnline() bool {
	fn, _ := s.online.Load().(func() bool)
	return fn != nil && fn()
}

func (s *Synchronizer) Strategy() conflict.Strategy {
	return s.opts.Strategy
}

// Draining reports whether a drain pass is running.
func (s *Synchronizer) Draining() bool {
	return s.draining.Load()
}

func (s *Synchronizer) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.queue.Count(ctx)
	if err == nil {
		metrics.PendingEntries.Set(float64(n))
	}
	return n, err
}

// ResolveID returns the server id an offline id was rewritten to, or id itself.
func (s *Synchronizer) ResolveID(collection, id string) string {
	if !models.IsOfflineID(id) {
		return id
	}
	s.aliasMu.RLock()
	defer s.aliasMu.RUnlock()
	if newID, ok := s.aliases[recordKey(collection, id)]; ok {
		return newID
	}
	return id
}

func (s *Synchronizer) setAlias(collection, oldID, newID string) {
	if oldID == newID {
		return
	}
	s.aliasMu.Lock()
	s.aliases[recordKey(collection, oldID)] = newID
	s.aliasMu.Unlock()
}

// applyAliases rewrites the record id and its parent references that are
// already known to have server ids.
func (s *Synchronizer) applyAliases(collection string, rec models.Record) models.Record {
	rec.ID = s.ResolveID(collection, rec.ID)
	for _, rel := range s.opts.Relations {
		if rel.Child != collection {
			continue
		}
		if ref := rec.String(rel.Field); ref != "" {
			if resolved := s.ResolveID(rel.Parent, ref); resolved != ref {
				rec.Set(rel.Field, resolved)
			}
		}
	}
	return rec
}

// offlineRef returns the first unresolved offline id the payload needs the
// remote service to know: its own id for updates and deletes, or a parent
// reference.
func (s *Synchronizer) offlineRef(action models.QueueAction, collection string, rec models.Record) (string, string) {
	if action != models.ActionCreate && models.IsOfflineID(rec.ID) {
		return collection, rec.ID
	}
	for _, rel := range s.opts.Relations {
		if rel.Child != collection {
			continue
		}
		if ref := rec.String(rel.Field); models.IsOfflineID(ref) {
			return rel.Parent, ref
		}
	}
	return "", ""
}

// dispatch sends one mutation and returns the id the record has remotely.
func (s *Synchronizer) dispatch(ctx context.Context, action models.QueueAction, collection string, rec models.Record) (string, error) {
	switch action {
	case models.ActionCreate:
		return s.remote.Insert(ctx, collection, rec)
	case models.ActionUpdate:
		patch := rec.Map()
		delete(patch, models.FieldID)
		return rec.ID, s.remote.Update(ctx, collection, rec.ID, patch)
	case models.ActionDelete:
		return rec.ID, s.remote.Delete(ctx, collection, rec.ID)
	}
	return "", apperrors.Validation("dispatch", "unknown action "+string(action))
}

// commit applies a confirmed mutation locally in one transaction: the id
// rewrite of a create, the synced flag and removal of the queue entry.
func (s *Synchronizer) commit(ctx context.Context, entryID string, action models.QueueAction, collection string, rec models.Record, newID string) (models.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var out models.Record
	err := s.store.Update(ctx, func(tx *store.Txn) error {
		if action == models.ActionCreate && newID != rec.ID {
			n, err := tx.RewriteID(collection, rec.ID, newID, s.opts.Relations)
			if err != nil {
				return err
			}
			q, err := s.queue.RewriteIDTx(tx.Gorm(), collection, rec.ID, newID, s.opts.Relations)
			if err != nil {
				return err
			}
			utils.InfoLogger.WithFields(logrus.Fields{
				"table":    collection,
				"old_id":   rec.ID,
				"new_id":   newID,
				"children": n,
				"entries":  q,
			}).Info("Offline id replaced by server id")
		}
		if action != models.ActionDelete {
			local, found, err := tx.Get(collection, newID)
			if err != nil {
				return err
			}
			if found {
				others, err := s.queue.OthersForRecordTx(tx.Gorm(), collection, newID, entryID)
				if err != nil {
					return err
				}
				local.Synced = others == 0
				if err := tx.Put(collection, local); err != nil {
					return err
				}
				out = local
			} else {
				out = rec.Clone()
				out.ID = newID
				out.Synced = true
			}
		}
		if entryID != "" {
			return s.queue.RemoveTx(tx.Gorm(), entryID)
		}
		return nil
	})
	if err != nil {
		return models.Record{}, err
	}
	if action == models.ActionCreate {
		s.setAlias(collection, rec.ID, newID)
	}
	return out, nil
}

func recordKey(collection, id string) string {
	return collection + "/" + id
}
