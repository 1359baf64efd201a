package remote

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/utils"
	"gorm.io/gorm"
)

type loaderFunc func(ctx context.Context, collection, id string) (*models.Record, error)

type subscription struct {
	collection string
	filter     map[string]interface{}
	fn         func(ChangeEvent)
}

// ChangeMonitor polls db_changes past a cursor and hands each change to the
// matching subscribers, in change-log order.
type ChangeMonitor struct {
	DB        *gorm.DB
	StopChan  chan struct{}
	Interval  time.Duration
	BatchSize int

	load     loaderFunc
	mu       sync.Mutex
	subs     map[int]subscription
	nextSub  int
	cursor   uint64
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChangeMonitor starts its cursor at the newest existing change, so only
// changes made after construction are published.
func NewChangeMonitor(db *gorm.DB, load loaderFunc) *ChangeMonitor {
	cm := &ChangeMonitor{
		DB:        db,
		StopChan:  make(chan struct{}),
		Interval:  1 * time.Second,
		BatchSize: 100,
		load:      load,
		subs:      make(map[int]subscription),
	}
	var last models.DBChange
	if err := db.Order("id DESC").Limit(1).Find(&last).Error; err == nil {
		cm.cursor = last.ID
	}
	return cm
}

func (cm *ChangeMonitor) Subscribe(collection string, filter map[string]interface{}, fn func(ChangeEvent)) func() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	id := cm.nextSub
	cm.nextSub++
	cm.subs[id] = subscription{collection: collection, filter: filter, fn: fn}
	return func() {
		cm.mu.Lock()
		delete(cm.subs, id)
		cm.mu.Unlock()
	}
}

func (cm *ChangeMonitor) Start() {
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		ticker := time.NewTicker(cm.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := cm.Poll(context.Background()); err != nil {
					utils.ErrorLogger.Errorf("Error polling changes: %v", err)
				}
			case <-cm.StopChan:
				return
			}
		}
	}()
}

func (cm *ChangeMonitor) Stop() {
	cm.stopOnce.Do(func() { close(cm.StopChan) })
	cm.wg.Wait()
}

// Poll processes one batch of new changes and returns how many it read.
func (cm *ChangeMonitor) Poll(ctx context.Context) (int, error) {
	cm.mu.Lock()
	cursor := cm.cursor
	cm.mu.Unlock()

	var changes []models.DBChange
	if err := cm.DB.WithContext(ctx).
		Where("id > ?", cursor).
		Order("id ASC").
		Limit(cm.BatchSize).
		Find(&changes).Error; err != nil {
		return 0, err
	}

	for _, change := range changes {
		event := ChangeEvent{
			Collection: change.Collection,
			Action:     ChangeAction(change.ActionType),
			RecordID:   change.RecordID,
			ChangedAt:  change.ChangedAt,
		}
		if event.Action != ChangeDelete && cm.load != nil {
			rec, err := cm.load(ctx, change.Collection, change.RecordID)
			if err != nil {
				return 0, err
			}
			// record deleted again before we got to it
			if rec == nil {
				event.Action = ChangeDelete
			}
			event.Record = rec
		}

		utils.InfoLogger.WithFields(logrus.Fields{
			"table":  change.Collection,
			"action": change.ActionType,
			"record": change.RecordID,
		}).Debug("Processing change")
		cm.dispatch(event)

		cm.mu.Lock()
		cm.cursor = change.ID
		cm.mu.Unlock()
	}
	return len(changes), nil
}

func (cm *ChangeMonitor) dispatch(event ChangeEvent) {
	cm.mu.Lock()
	targets := make([]func(ChangeEvent), 0, len(cm.subs))
	for _, sub := range cm.subs {
		if sub.collection != event.Collection {
			continue
		}
		if !eventMatches(event, sub.filter) {
			continue
		}
		targets = append(targets, sub.fn)
	}
	cm.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}

// eventMatches: deletes carry no payload, so only an id filter can exclude them.
func eventMatches(event ChangeEvent, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	if event.Record == nil {
		if id, ok := filter[models.FieldID]; ok {
			return event.RecordID == id
		}
		return true
	}
	return matches(*event.Record, filter)
}
