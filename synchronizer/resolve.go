package synchronizer

import (
	"context"
	"time"

	"github.com/yeremiapane/restaurant-sync/conflict"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/store"
)

// resolveConflict settles a rejected mutation against the remote copy and
// applies the outcome locally. On success the queue entry (if any) is gone.
// A zero Record with nil error means the record no longer exists.
func (s *Synchronizer) resolveConflict(ctx context.Context, entryID string, action models.QueueAction, collection string, rec models.Record) (models.Record, error) {
	found, err := s.remote.Select(ctx, collection, remote.Query{
		Filter: map[string]interface{}{models.FieldID: rec.ID},
		Limit:  1,
	})
	if err != nil {
		return models.Record{}, err
	}

	local := rec
	if action != models.ActionDelete {
		current, ok, err := s.store.Get(ctx, collection, rec.ID)
		if err != nil {
			return models.Record{}, err
		}
		if ok {
			local = current
		}
	}

	if len(found) == 0 {
		if s.opts.Strategy == conflict.StrategyLocal && action != models.ActionDelete {
			newID, err := s.remote.Insert(ctx, collection, local)
			if err != nil {
				return models.Record{}, err
			}
			return s.commit(ctx, entryID, models.ActionCreate, collection, local, newID)
		}
		// deleted remotely
		return models.Record{}, s.applyResolved(ctx, entryID, collection, rec.ID, nil)
	}

	theirs := found[0]
	switch {
	case conflict.Choose(local, theirs, s.opts.Strategy) == conflict.SideRemote:
		winner := theirs.Clone()
		return winner, s.applyResolved(ctx, entryID, collection, rec.ID, &winner)
	case action == models.ActionDelete:
		if err := s.remote.Delete(ctx, collection, rec.ID); err != nil {
			return models.Record{}, err
		}
		return models.Record{}, s.applyResolved(ctx, entryID, collection, rec.ID, nil)
	}

	// local wins: overwrite the remote copy with a timestamp it accepts
	at := s.opts.Now().UTC()
	if !at.After(theirs.Timestamp()) {
		at = theirs.Timestamp().Add(time.Millisecond)
	}
	winner := local.Clone()
	winner.UpdatedAt = at
	patch := winner.Map()
	delete(patch, models.FieldID)
	if err := s.remote.Update(ctx, collection, winner.ID, patch); err != nil {
		return models.Record{}, err
	}
	return winner, s.applyResolved(ctx, entryID, collection, rec.ID, &winner)
}

// applyResolved stores the winning copy (nil deletes the local record) and
// drops the queue entry.
func (s *Synchronizer) applyResolved(ctx context.Context, entryID, collection, id string, winner *models.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.store.Update(ctx, func(tx *store.Txn) error {
		if winner == nil {
			if err := tx.Delete(collection, id); err != nil {
				return err
			}
		} else {
			others, err := s.queue.OthersForRecordTx(tx.Gorm(), collection, winner.ID, entryID)
			if err != nil {
				return err
			}
			winner.Synced = others == 0
			if err := tx.Put(collection, *winner); err != nil {
				return err
			}
		}
		if entryID == "" {
			return nil
		}
		return s.queue.RemoveTx(tx.Gorm(), entryID)
	})
}
