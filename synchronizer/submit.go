package synchronizer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/metrics"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// Mutation is one write coming from the floor.
type Mutation struct {
	Action     models.QueueAction `validate:"required,oneof=create update delete"`
	Collection string             `validate:"required,max=64"`
	Record     models.Record
}

// Result of SubmitMutation. Queued is true when the mutation waits in the
// sync queue; Record is the local state after the write.
type Result struct {
	Record  models.Record `json:"record"`
	Queued  bool          `json:"queued"`
	EntryID string        `json:"entryId,omitempty"`
}

// SubmitMutation writes m to the local store and then either sends it to the
// remote service right away or leaves it in the sync queue. It sends directly
// only when online, when nothing older for the same record is queued and
// when the payload references no record that still has an offline id.
func (s *Synchronizer) SubmitMutation(ctx context.Context, m Mutation) (Result, error) {
	if err := s.validate.Struct(m); err != nil {
		return Result{}, apperrors.ValidationWrap("submit", err)
	}
	if m.Action != models.ActionCreate && m.Record.ID == "" {
		return Result{}, apperrors.Validation("submit", string(m.Action)+" needs a record id")
	}

	rec, entry, direct, err := s.writeLocal(ctx, m)
	if err != nil {
		return Result{}, err
	}
	if !direct {
		return Result{Record: rec, Queued: true, EntryID: entry.ID}, nil
	}

	log := utils.InfoLogger.WithFields(logrus.Fields{
		"table":  m.Collection,
		"action": m.Action,
		"record": rec.ID,
	})

	newID, err := s.dispatch(ctx, m.Action, m.Collection, rec)
	if err == nil {
		out, err := s.commit(ctx, entry.ID, m.Action, m.Collection, rec, newID)
		if err != nil {
			return Result{}, err
		}
		metrics.EntriesProcessed.WithLabelValues(m.Collection, metrics.ResultSynced).Inc()
		return Result{Record: out}, nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		log.WithError(err).Warn("Mutation rejected by remote, moved to dead letters")
		if derr := s.queue.DeadLetter(ctx, entry.ID, err); derr != nil {
			return Result{}, derr
		}
		metrics.EntriesProcessed.WithLabelValues(m.Collection, metrics.ResultDead).Inc()
		return Result{Record: rec, Queued: true, EntryID: entry.ID}, err

	case apperrors.KindConflict:
		out, rerr := s.resolveConflict(ctx, entry.ID, m.Action, m.Collection, rec)
		if rerr == nil {
			metrics.EntriesProcessed.WithLabelValues(m.Collection, metrics.ResultConflict).Inc()
			return Result{Record: out}, nil
		}
		if apperrors.Is(rerr, apperrors.KindStorage) {
			return Result{}, rerr
		}
		err = rerr
	}

	// fall back to the queue; the entry keeps its place
	log.WithError(err).Info("Remote unavailable, mutation queued")
	if uerr := s.queue.UpdateStatus(ctx, entry.ID, models.QueueStatusPending); uerr != nil {
		return Result{}, uerr
	}
	return Result{Record: rec, Queued: true, EntryID: entry.ID}, nil
}

// writeLocal applies m to the local store and appends its queue entry. When
// the mutation may be sent now the entry comes back claimed.
func (s *Synchronizer) writeLocal(ctx context.Context, m Mutation) (models.Record, models.QueueEntry, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.opts.Now().UTC()
	rec := s.applyAliases(m.Collection, m.Record.Clone())

	switch m.Action {
	case models.ActionCreate:
		if rec.ID == "" {
			rec.ID = models.NewOfflineID(now)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.Synced = false
		if err := s.store.Put(ctx, m.Collection, rec); err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}

	case models.ActionUpdate:
		existing, ok, err := s.store.Get(ctx, m.Collection, rec.ID)
		if err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}
		if ok {
			merged := existing.Clone()
			merged.Merge(rec)
			rec = merged
		}
		if ok && !now.After(existing.Timestamp()) {
			now = existing.Timestamp().Add(time.Millisecond)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.Synced = false
		if err := s.store.Put(ctx, m.Collection, rec); err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}

	case models.ActionDelete:
		existing, ok, err := s.store.Get(ctx, m.Collection, rec.ID)
		if err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}
		if ok {
			rec = existing
		}
		rec.UpdatedAt = now
		if err := s.store.Delete(ctx, m.Collection, rec.ID); err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}
	}

	direct := s.isOnline()
	if direct {
		if _, ref := s.offlineRef(m.Action, m.Collection, rec); ref != "" {
			direct = false
		}
	}
	if direct {
		pending, err := s.queue.HasPending(ctx, m.Collection, rec.ID)
		if err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}
		direct = !pending
	}

	entry, err := s.queue.Enqueue(ctx, m.Action, m.Collection, rec)
	if err != nil {
		return models.Record{}, models.QueueEntry{}, false, err
	}
	metrics.QueueEnqueued.WithLabelValues(m.Collection, string(m.Action)).Inc()

	if direct {
		claimed, err := s.queue.Claim(ctx, entry.ID)
		if err != nil {
			return models.Record{}, models.QueueEntry{}, false, err
		}
		direct = claimed
	}
	if !direct {
		utils.InfoLogger.WithFields(logrus.Fields{
			"entry":  entry.ID,
			"table":  m.Collection,
			"action": m.Action,
			"record": rec.ID,
		}).Info("Mutation queued for sync")
	}
	return rec, entry, direct, nil
}
