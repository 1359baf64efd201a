package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/cache"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
	"golang.org/x/sync/errgroup"
)

// Prefetcher warms the front-end caches with image URLs. *cache.Worker
// implements it.
type Prefetcher interface {
	Prefetch(ctx context.Context, urls []string) cache.MessageResult
}

type DownloaderConfig struct {
	MaxAge      time.Duration
	Collections []string
	Now         func() time.Time
}

type DownloadResult struct {
	Skipped  bool           `json:"skipped"`
	Counts   map[string]int `json:"counts,omitempty"`
	Evicted  int            `json:"evicted"`
	Images   int            `json:"images"`
	SyncedAt time.Time      `json:"syncedAt"`
}

// EssentialDataDownloader keeps menus, tables and waiters available locally
// so orders can be taken without a connection.
type EssentialDataDownloader struct {
	store    *store.LocalStore
	remote   remote.Service
	prefetch Prefetcher
	cfg      DownloaderConfig

	mu        sync.Mutex
	listeners []func(DownloadResult)
}

func NewEssentialDataDownloader(s *store.LocalStore, r remote.Service, p Prefetcher, cfg DownloaderConfig) *EssentialDataDownloader {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = models.EssentialCollections
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EssentialDataDownloader{store: s, remote: r, prefetch: p, cfg: cfg}
}

// OnRefresh registers fn for every completed download and every applied change.
func (d *EssentialDataDownloader) OnRefresh(fn func(DownloadResult)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *EssentialDataDownloader) notify(res DownloadResult) {
	d.mu.Lock()
	listeners := append([]func(DownloadResult){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(res)
	}
}

func (d *EssentialDataDownloader) LastSync(ctx context.Context) (time.Time, bool, error) {
	return d.store.GetTimeSetting(ctx, store.SettingLastMenuSync)
}

// Download refreshes every essential collection. Without force it does
// nothing while the previous download is younger than MaxAge.
func (d *EssentialDataDownloader) Download(ctx context.Context, force bool) (DownloadResult, error) {
	now := d.cfg.Now().UTC()
	if !force {
		last, ok, err := d.LastSync(ctx)
		if err != nil {
			return DownloadResult{}, err
		}
		if ok && now.Sub(last) < d.cfg.MaxAge {
			return DownloadResult{Skipped: true, SyncedAt: last}, nil
		}
	}

	fetched := make([][]models.Record, len(d.cfg.Collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, collection := range d.cfg.Collections {
		i, collection := i, collection
		g.Go(func() error {
			recs, err := d.remote.Select(gctx, collection, remote.Query{})
			if err != nil {
				return err
			}
			fetched[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		utils.ErrorLogger.Errorf("Error downloading essential data: %v", err)
		return DownloadResult{}, err
	}

	res := DownloadResult{Counts: map[string]int{}, SyncedAt: now}
	var images []string
	for i, collection := range d.cfg.Collections {
		stored, evicted, err := d.replace(ctx, collection, fetched[i])
		if err != nil {
			return DownloadResult{}, err
		}
		res.Counts[collection] = stored
		res.Evicted += evicted
		if collection == models.CollectionMenuItems {
			images = append(images, imageURLs(fetched[i])...)
		}
	}

	if err := d.store.SetTimeSetting(ctx, store.SettingLastMenuSync, now); err != nil {
		return DownloadResult{}, err
	}
	if d.prefetch != nil && len(images) > 0 {
		res.Images = d.prefetch.Prefetch(ctx, images).Cached
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"counts":  res.Counts,
		"evicted": res.Evicted,
		"images":  res.Images,
	}).Info("Essential data downloaded")
	d.notify(res)
	return res, nil
}

// replace writes the remote snapshot as synced records and evicts synced
// records the remote no longer has. Unsynced local edits are left alone.
func (d *EssentialDataDownloader) replace(ctx context.Context, collection string, recs []models.Record) (int, int, error) {
	var stored, evicted int
	err := d.store.Update(ctx, func(tx *store.Txn) error {
		local, err := tx.GetAll(collection)
		if err != nil {
			return err
		}
		unsynced := make(map[string]bool)
		for _, rec := range local {
			if !rec.Synced {
				unsynced[rec.ID] = true
			}
		}

		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			seen[rec.ID] = true
			if unsynced[rec.ID] {
				continue
			}
			rec.Synced = true
			if err := tx.Put(collection, rec); err != nil {
				return err
			}
			stored++
		}
		for _, rec := range local {
			if rec.Synced && !seen[rec.ID] {
				if err := tx.Delete(collection, rec.ID); err != nil {
					return err
				}
				evicted++
			}
		}
		return nil
	})
	return stored, evicted, err
}

// Watch applies remote changes of the essential collections to the local
// store until the returned stop func is called.
func (d *EssentialDataDownloader) Watch() (stop func()) {
	var unsubs []func()
	for _, collection := range d.cfg.Collections {
		collection := collection
		unsubs = append(unsubs, d.remote.Subscribe(collection, nil, func(ev remote.ChangeEvent) {
			d.apply(context.Background(), collection, ev)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (d *EssentialDataDownloader) apply(ctx context.Context, collection string, ev remote.ChangeEvent) {
	applied := false
	err := d.store.Update(ctx, func(tx *store.Txn) error {
		local, found, err := tx.Get(collection, ev.RecordID)
		if err != nil {
			return err
		}
		if found && !local.Synced {
			return nil
		}
		if ev.Action == remote.ChangeDelete || ev.Record == nil {
			if !found {
				return nil
			}
			applied = true
			return tx.Delete(collection, ev.RecordID)
		}
		rec := ev.Record.Clone()
		rec.Synced = true
		applied = true
		return tx.Put(collection, rec)
	})
	if err != nil {
		utils.ErrorLogger.Errorf("Error applying %s change to %s/%s: %v", ev.Action, collection, ev.RecordID, err)
		return
	}
	if !applied {
		return
	}

	res := DownloadResult{Counts: map[string]int{collection: 1}, SyncedAt: ev.ChangedAt}
	if collection == models.CollectionMenuItems && ev.Record != nil && d.prefetch != nil {
		if urls := imageURLs([]models.Record{*ev.Record}); len(urls) > 0 {
			res.Images = d.prefetch.Prefetch(ctx, urls).Cached
		}
	}
	utils.InfoLogger.Debugf("Applied remote %s on %s/%s", ev.Action, collection, ev.RecordID)
	d.notify(res)
}

func imageURLs(recs []models.Record) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, rec := range recs {
		u := models.MenuItemFromRecord(rec).ImageURL
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}
