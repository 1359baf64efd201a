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

// Drain processes every pending queue entry once, oldest first and one at a
// time. A failed entry stays queued and the pass continues with entries for
// other records; later entries of the same record wait for the next pass.
// Entries still inside their backoff window are skipped. Entries waiting on
// a record whose create was dead-lettered are dead-lettered with it.
// A second call while a pass is running returns ErrDrainInProgress.
func (s *Synchronizer) Drain(ctx context.Context) (Summary, error) {
	return s.run(ctx, false)
}

// DrainNow is Drain without the backoff window: failed entries are attempted
// right away. Used when connectivity comes back and for manual syncs. A
// failure still counts against the attempt budget.
func (s *Synchronizer) DrainNow(ctx context.Context) (Summary, error) {
	return s.run(ctx, true)
}

func (s *Synchronizer) run(ctx context.Context, ignoreBackoff bool) (Summary, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return Summary{}, ErrDrainInProgress
	}
	defer s.draining.Store(false)

	start := s.opts.Now()
	s.each(func(o Observer) { o.OnDrainStart() })

	summary, err := s.drain(ctx, ignoreBackoff)
	summary.StartedAt = start
	summary.Duration = s.opts.Now().Sub(start)
	metrics.DrainDuration.Observe(summary.Duration.Seconds())
	if n, cerr := s.queue.Count(ctx); cerr == nil {
		metrics.PendingEntries.Set(float64(n))
	}

	if err != nil {
		utils.ErrorLogger.Errorf("Drain aborted after %d/%d entries: %v", summary.Attempted, summary.Total, err)
		s.each(func(o Observer) { o.OnDrainError(err) })
		return summary, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"total":     summary.Total,
		"synced":    summary.Synced,
		"failed":    summary.Failed,
		"deferred":  summary.Deferred,
		"conflicts": summary.Conflicts,
		"dead":      summary.DeadLettered,
	}).Info("Drain finished")
	s.each(func(o Observer) { o.OnDrainComplete(summary) })
	return summary, nil
}

func (s *Synchronizer) drain(ctx context.Context, ignoreBackoff bool) (Summary, error) {
	entries, err := s.queue.GetPending(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(entries)}
	// records whose earlier entry did not go through in this pass
	blocked := make(map[string]bool)

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := s.processEntry(ctx, entry, blocked, ignoreBackoff)
		if err != nil {
			// storage failures stop the pass
			return summary, err
		}
		switch result {
		case metrics.ResultSynced:
			summary.Attempted++
			summary.Synced++
		case metrics.ResultConflict:
			summary.Attempted++
			summary.Conflicts++
		case metrics.ResultFailed:
			summary.Attempted++
			summary.Failed++
		case metrics.ResultDead:
			summary.Attempted++
			summary.DeadLettered++
		case metrics.ResultDeferred:
			summary.Deferred++
		}
		metrics.EntriesProcessed.WithLabelValues(entry.Table, result).Inc()

		current, total := i+1, len(entries)
		s.each(func(o Observer) { o.OnDrainProgress(current, total) })
	}
	return summary, nil
}

// processEntry handles one entry and reports its metrics result. Only local
// storage errors are returned.
func (s *Synchronizer) processEntry(ctx context.Context, entry models.QueueEntry, blocked map[string]bool, ignoreBackoff bool) (string, error) {
	key := recordKey(entry.Table, s.ResolveID(entry.Table, entry.RecordID))
	log := utils.InfoLogger.WithFields(logrus.Fields{
		"entry":    entry.ID,
		"table":    entry.Table,
		"action":   entry.Action,
		"record":   entry.RecordID,
		"attempts": entry.Attempts,
	})

	if blocked[key] {
		if entry.Action != models.ActionCreate && models.IsOfflineID(entry.RecordID) {
			dead, err := s.buryWithParent(ctx, entry, entry.Table, entry.RecordID, log)
			if err != nil {
				return "", err
			}
			if dead {
				return metrics.ResultDead, nil
			}
		}
		return metrics.ResultDeferred, nil
	}
	if !ignoreBackoff && !entry.Due(s.opts.Now()) {
		blocked[key] = true
		return metrics.ResultDeferred, nil
	}

	rec, err := entry.Record()
	if err != nil {
		blocked[key] = true
		if err := s.queue.DeadLetter(ctx, entry.ID, apperrors.ValidationWrap("decode entry", err)); err != nil {
			return "", err
		}
		return metrics.ResultDead, nil
	}
	// the snapshot predates rewrites committed earlier in this pass
	rec = s.applyAliases(entry.Table, rec)
	if parent, ref := s.offlineRef(entry.Action, entry.Table, rec); ref != "" {
		blocked[key] = true
		dead, err := s.buryWithParent(ctx, entry, parent, ref, log)
		if err != nil {
			return "", err
		}
		if dead {
			return metrics.ResultDead, nil
		}
		log.WithField("waits_for", recordKey(parent, ref)).Debug("Entry deferred until its parent is created")
		return metrics.ResultDeferred, nil
	}

	claimed, err := s.queue.Claim(ctx, entry.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		// removed meanwhile or in flight through SubmitMutation
		blocked[key] = true
		return metrics.ResultDeferred, nil
	}

	newID, err := s.dispatch(ctx, entry.Action, entry.Table, rec)
	if err == nil {
		if _, err := s.commit(ctx, entry.ID, entry.Action, entry.Table, rec, newID); err != nil {
			return "", err
		}
		log.Debug("Entry synced")
		return metrics.ResultSynced, nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		log.WithError(err).Warn("Entry rejected by remote, moved to dead letters")
		blocked[key] = true
		if err := s.queue.DeadLetter(ctx, entry.ID, err); err != nil {
			return "", err
		}
		return metrics.ResultDead, nil

	case apperrors.KindConflict:
		_, rerr := s.resolveConflict(ctx, entry.ID, entry.Action, entry.Table, rec)
		if rerr == nil {
			log.WithField("strategy", s.opts.Strategy).Info("Conflict resolved")
			return metrics.ResultConflict, nil
		}
		if apperrors.Is(rerr, apperrors.KindStorage) {
			return "", rerr
		}
		err = rerr
	}

	blocked[key] = true
	status, merr := s.queue.MarkFailed(ctx, entry.ID, err, s.opts.Backoff)
	if merr != nil {
		return "", merr
	}
	if status == models.QueueStatusDead {
		utils.ErrorLogger.WithField("entry", entry.ID).Errorf("Entry gave up after %d attempts: %v", entry.Attempts+1, err)
		return metrics.ResultDead, nil
	}
	log.WithError(err).Warnf("Entry failed, next attempt in %s", s.opts.Backoff.Delay(entry.Attempts+1).Round(time.Second))
	return metrics.ResultFailed, nil
}

// buryWithParent dead-letters entry when the create of parent/ref is dead.
// Requeueing that create brings the entry back too.
func (s *Synchronizer) buryWithParent(ctx context.Context, entry models.QueueEntry, parent, ref string, log *logrus.Entry) (bool, error) {
	dead, err := s.queue.HasDeadCreate(ctx, parent, ref)
	if err != nil || !dead {
		return false, err
	}
	log.WithField("parent", recordKey(parent, ref)).Warn("Entry moved to dead letters with its parent")
	cause := apperrors.Validation("drain", "create of "+recordKey(parent, ref)+" is dead-lettered")
	if err := s.queue.DeadLetter(ctx, entry.ID, cause); err != nil {
		return false, err
	}
	return true, nil
}
