package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/imagehost"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type CleanupConfig struct {
	Retention      time.Duration // remote orders
	LocalRetention time.Duration // local copies
	Now            func() time.Time
}

type PurgeCounts struct {
	Orders    int   `json:"orders"`
	Images    int   `json:"images"`
	SizeFreed int64 `json:"sizeFreed"`
}

type PurgeResult struct {
	Success bool        `json:"success"`
	Deleted PurgeCounts `json:"deleted"`
}

type PruneResult struct {
	Orders int `json:"orders"`
	Items  int `json:"items"`
}

// CleanupService archives finished orders into daily summaries and keeps the
// local database small.
type CleanupService struct {
	store  *store.LocalStore
	queue  *queue.SyncQueue
	remote remote.Service
	images imagehost.Host
	cfg    CleanupConfig
}

func NewCleanupService(s *store.LocalStore, q *queue.SyncQueue, r remote.Service, images imagehost.Host, cfg CleanupConfig) *CleanupService {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.LocalRetention <= 0 {
		cfg.LocalRetention = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CleanupService{store: s, queue: q, remote: r, images: images, cfg: cfg}
}

type daySummary struct {
	orders    int
	completed int
	cancelled int
	revenue   float64
}

// PurgeOrders removes completed and cancelled orders older than the retention
// from the remote database after folding them into daily_summaries.
func (c *CleanupService) PurgeOrders(ctx context.Context) (PurgeResult, error) {
	now := c.cfg.Now().UTC()
	cutoff := now.Add(-c.cfg.Retention)

	var expired []models.Order
	for _, status := range []string{models.OrderStatusCompleted, models.OrderStatusCancelled} {
		recs, err := c.remote.Select(ctx, models.CollectionOrders, remote.Query{
			Filter: map[string]interface{}{"status": status},
		})
		if err != nil {
			return PurgeResult{}, err
		}
		for _, rec := range recs {
			if rec.Timestamp().Before(cutoff) {
				expired = append(expired, models.OrderFromRecord(rec))
			}
		}
	}
	if len(expired) == 0 {
		return PurgeResult{Success: true}, nil
	}

	// an order is counted once even if an earlier run archived it and then
	// failed before deleting it
	revenue, err := c.archive(ctx, expired, now)
	if err != nil {
		return PurgeResult{}, err
	}

	var counts PurgeCounts
	for _, o := range expired {
		for _, imageID := range o.ImageIDs {
			freed, err := c.images.Delete(ctx, imageID)
			if err != nil {
				utils.ErrorLogger.Errorf("Error deleting image %s of order %s: %v", imageID, o.ID, err)
				continue
			}
			counts.Images++
			counts.SizeFreed += freed
		}

		items, err := c.remote.Select(ctx, models.CollectionOrderItems, remote.Query{
			Filter: map[string]interface{}{"order_id": o.ID},
		})
		if err != nil {
			return PurgeResult{}, err
		}
		for _, item := range items {
			if err := c.remote.Delete(ctx, models.CollectionOrderItems, item.ID); err != nil {
				return PurgeResult{}, err
			}
		}
		if err := c.remote.Delete(ctx, models.CollectionOrders, o.ID); err != nil {
			return PurgeResult{}, err
		}
		c.dropLocal(ctx, o.ID, items)
		counts.Orders++
	}

	audit := models.NewRecord(uuid.NewString(), map[string]interface{}{
		"action":     "purge_orders",
		"message":    fmt.Sprintf("Purged %d orders before %s (revenue %s)", counts.Orders, cutoff.Format("2006-01-02"), utils.FormatCurrencyIDR(revenue)),
		"orders":     counts.Orders,
		"images":     counts.Images,
		"size_freed": counts.SizeFreed,
	})
	audit.CreatedAt = now
	if _, err := c.remote.Insert(ctx, models.CollectionAuditLogs, audit); err != nil {
		utils.ErrorLogger.Errorf("Error writing purge audit log: %v", err)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"orders":    counts.Orders,
		"images":    counts.Images,
		"sizeFreed": counts.SizeFreed,
	}).Info("Old orders purged")
	return PurgeResult{Success: true, Deleted: counts}, nil
}

// archive folds expired orders into daily_summaries (id daily_<date>). Each
// summary lists the order ids it already counts in archived_order_ids, and the
// counters and that list change in one write, so a rerun after a failed
// delete skips what is already in. Returns the revenue newly archived.
func (c *CleanupService) archive(ctx context.Context, expired []models.Order, now time.Time) (float64, error) {
	byDay := make(map[string][]models.Order)
	for _, o := range expired {
		day := o.CreatedAt.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], o)
	}
	keys := make([]string, 0, len(byDay))
	for day := range byDay {
		keys = append(keys, day)
	}
	sort.Strings(keys)

	var revenue float64
	for _, day := range keys {
		id := "daily_" + day
		existing, err := c.remote.Select(ctx, models.CollectionDailySummaries, remote.Query{
			Filter: map[string]interface{}{models.FieldID: id},
			Limit:  1,
		})
		if err != nil {
			return revenue, err
		}

		var prev models.Record
		if len(existing) > 0 {
			prev = existing[0]
		}
		archived := models.StringSlice(prev, "archived_order_ids")
		counted := make(map[string]bool, len(archived))
		for _, orderID := range archived {
			counted[orderID] = true
		}

		var s daySummary
		for _, o := range byDay[day] {
			if counted[o.ID] {
				continue
			}
			counted[o.ID] = true
			archived = append(archived, o.ID)
			s.orders++
			if o.Status == models.OrderStatusCompleted {
				s.completed++
				s.revenue += o.TotalAmount
			} else {
				s.cancelled++
			}
		}
		if s.orders == 0 {
			continue
		}
		ids := make([]interface{}, len(archived))
		for i, orderID := range archived {
			ids[i] = orderID
		}

		if len(existing) == 0 {
			rec := models.NewRecord(id, map[string]interface{}{
				"date":               day,
				"order_count":        s.orders,
				"completed_count":    s.completed,
				"cancelled_count":    s.cancelled,
				"revenue":            s.revenue,
				"archived_order_ids": ids,
			})
			rec.CreatedAt = now
			rec.UpdatedAt = now
			if _, err := c.remote.Insert(ctx, models.CollectionDailySummaries, rec); err != nil {
				return revenue, err
			}
			revenue += s.revenue
			continue
		}

		updatedAt := now
		if !prev.Timestamp().Before(updatedAt) {
			updatedAt = prev.Timestamp().Add(time.Millisecond)
		}
		patch := map[string]interface{}{
			"order_count":        prev.Float("order_count") + float64(s.orders),
			"completed_count":    prev.Float("completed_count") + float64(s.completed),
			"cancelled_count":    prev.Float("cancelled_count") + float64(s.cancelled),
			"revenue":            prev.Float("revenue") + s.revenue,
			"archived_order_ids": ids,
		}
		patch[models.FieldUpdatedAt] = updatedAt.Format(time.RFC3339Nano)
		if err := c.remote.Update(ctx, models.CollectionDailySummaries, id, patch); err != nil {
			return revenue, err
		}
		revenue += s.revenue
	}
	return revenue, nil
}

// dropLocal removes local copies of a purged order unless they still have queued work.
func (c *CleanupService) dropLocal(ctx context.Context, orderID string, items []models.Record) {
	targets := map[string][]string{models.CollectionOrders: {orderID}}
	for _, item := range items {
		targets[models.CollectionOrderItems] = append(targets[models.CollectionOrderItems], item.ID)
	}
	for collection, ids := range targets {
		for _, id := range ids {
			pending, err := c.queue.HasPending(ctx, collection, id)
			if err != nil || pending {
				continue
			}
			if err := c.store.Delete(ctx, collection, id); err != nil {
				utils.ErrorLogger.Errorf("Error dropping local %s/%s: %v", collection, id, err)
			}
		}
	}
}

// PruneLocal evicts synced orders older than LocalRetention, and their items,
// from the local store. Records with queued work are kept.
func (c *CleanupService) PruneLocal(ctx context.Context) (PruneResult, error) {
	cutoff := c.cfg.Now().UTC().Add(-c.cfg.LocalRetention)

	entries, err := c.queue.All(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	queued := make(map[string]bool, len(entries))
	for _, e := range entries {
		queued[e.Table+"/"+e.RecordID] = true
	}

	orders, err := c.store.Prune(ctx, models.CollectionOrders, cutoff, func(rec models.Record) bool {
		return queued[models.CollectionOrders+"/"+rec.ID]
	})
	if err != nil {
		return PruneResult{}, err
	}

	remaining, err := c.store.GetAll(ctx, models.CollectionOrders)
	if err != nil {
		return PruneResult{}, err
	}
	live := make(map[string]bool, len(remaining))
	for _, o := range remaining {
		live[o.ID] = true
	}
	items, err := c.store.Prune(ctx, models.CollectionOrderItems, cutoff, func(rec models.Record) bool {
		return queued[models.CollectionOrderItems+"/"+rec.ID] || live[rec.String("order_id")]
	})
	if err != nil {
		return PruneResult{}, err
	}

	res := PruneResult{Orders: len(orders), Items: len(items)}
	if res.Orders > 0 || res.Items > 0 {
		utils.InfoLogger.Printf("Pruned %d local orders and %d items", res.Orders, res.Items)
	}
	return res, nil
}
