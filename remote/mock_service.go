package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/models"
)

// Call is one request seen by MockService, failed or not.
type Call struct {
	Action     string
	Collection string
	ID         string
	Record     models.Record
}

// MockService is an in-memory Service for tests. It follows the same rules
// as GormService (offline id replacement, replay dedupe, stale-write
// conflicts) and adds a call log, failure injection and a gate that holds
// calls until released.
type MockService struct {
	mu         sync.Mutex
	data       map[string]map[string]models.Record
	clientRefs map[string]string
	calls      []Call
	failWhen   []func(Call) error
	subs       map[int]subscription
	nextSub    int
	seq        int
	gate       chan struct{}
	entered    chan Call

	Now func() time.Time
}

func NewMockService() *MockService {
	return &MockService{
		data:       make(map[string]map[string]models.Record),
		clientRefs: make(map[string]string),
		subs:       make(map[int]subscription),
		Now:        time.Now,
	}
}

// FailWhen registers a rule; the first rule returning an error fails the call.
func (m *MockService) FailWhen(rule func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = append(m.failWhen, rule)
}

// FailNext fails the next call matching action and collection once.
func (m *MockService) FailNext(action, collection string, err error) {
	used := false
	var mu sync.Mutex
	m.FailWhen(func(c Call) error {
		mu.Lock()
		defer mu.Unlock()
		if used || c.Action != action || c.Collection != collection {
			return nil
		}
		used = true
		return err
	})
}

// GoOffline fails every call with a network error until ClearFailures.
func (m *MockService) GoOffline() {
	m.FailWhen(func(c Call) error {
		return apperrors.Network(c.Action+" "+c.Collection, fmt.Errorf("connection refused"))
	})
}

func (m *MockService) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = nil
}

// Block makes every following call wait until release is called. entered
// receives each call as it starts waiting.
func (m *MockService) Block() (entered <-chan Call, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	m.entered = make(chan Call, 64)
	var once sync.Once
	return m.entered, func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *MockService) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts calls with the given action; "" counts all of them.
func (m *MockService) CallCount(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if action == "" || c.Action == action {
			n++
		}
	}
	return n
}

// Seed stores records as if they had been created remotely, without a call.
func (m *MockService) Seed(collection string, recs ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		rec = rec.Clone()
		rec.Synced = true
		m.table(collection)[rec.ID] = rec
	}
}

// Get returns the stored record without recording a call.
func (m *MockService) Get(collection, id string) (models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[collection][id]
	if !ok {
		return models.Record{}, false
	}
	return rec.Clone(), true
}

func (m *MockService) Insert(ctx context.Context, collection string, rec models.Record) (string, error) {
	if err := m.enter(ctx, Call{Action: "insert", Collection: collection, ID: rec.ID, Record: rec.Clone()}); err != nil {
		return "", err
	}

	m.mu.Lock()
	op := "insert " + collection
	refKey := collection + "|" + rec.ID
	if id, ok := m.clientRefs[refKey]; ok {
		m.mu.Unlock()
		return id, nil
	}
	id := rec.ID
	switch {
	case models.IsOfflineID(rec.ID) || rec.ID == "":
		m.seq++
		id = fmt.Sprintf("srv-%d", m.seq)
	default:
		if _, exists := m.table(collection)[rec.ID]; exists {
			m.mu.Unlock()
			return "", apperrors.Conflict(op, "record "+rec.ID+" already exists")
		}
	}
	if models.IsOfflineID(rec.ID) {
		m.clientRefs[refKey] = id
	}
	stored := rec.Clone()
	stored.ID = id
	stored.Synced = true
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now().UTC()
	}
	m.table(collection)[id] = stored
	m.mu.Unlock()

	m.publish(ChangeEvent{Collection: collection, Action: ChangeInsert, RecordID: id, Record: &stored, ChangedAt: m.Now()})
	return id, nil
}

func (m *MockService) Update(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	call := Call{Action: "update", Collection: collection, ID: id, Record: models.RecordFromMap(patch)}
	if err := m.enter(ctx, call); err != nil {
		return err
	}

	m.mu.Lock()
	op := "update " + collection
	current, ok := m.table(collection)[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.Conflict(op, "record "+id+" does not exist")
	}
	at, hasTime := patchTime(patch)
	if hasTime && current.Timestamp().After(at) {
		m.mu.Unlock()
		return apperrors.Conflict(op, "stale write for "+id)
	}
	if !hasTime {
		at = m.Now().UTC()
	}
	current = current.Clone()
	for k, v := range patch {
		if k == models.FieldID || k == models.FieldSynced || k == models.FieldCreatedAt {
			continue
		}
		current.Set(k, v)
	}
	current.UpdatedAt = at
	m.table(collection)[id] = current
	m.mu.Unlock()

	m.publish(ChangeEvent{Collection: collection, Action: ChangeUpdate, RecordID: id, Record: &current, ChangedAt: m.Now()})
	return nil
}

func (m *MockService) Delete(ctx context.Context, collection, id string) error {
	if err := m.enter(ctx, Call{Action: "delete", Collection: collection, ID: id}); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.table(collection)[id]
	delete(m.table(collection), id)
	m.mu.Unlock()

	if existed {
		m.publish(ChangeEvent{Collection: collection, Action: ChangeDelete, RecordID: id, ChangedAt: m.Now()})
	}
	return nil
}

func (m *MockService) Select(ctx context.Context, collection string, q Query) ([]models.Record, error) {
	if err := m.enter(ctx, Call{Action: "select", Collection: collection}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	var recs []models.Record
	for _, rec := range m.table(collection) {
		if matches(rec, q.Filter) {
			recs = append(recs, rec.Clone())
		}
	}
	m.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return sortAndLimit(recs, q), nil
}

func (m *MockService) Subscribe(collection string, filter map[string]interface{}, fn func(ChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscription{collection: collection, filter: filter, fn: fn}
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// enter records the call, waits on the gate and applies failure rules.
func (m *MockService) enter(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	gate, entered := m.gate, m.entered
	rules := append([]func(Call) error(nil), m.failWhen...)
	m.mu.Unlock()

	if gate != nil {
		select {
		case entered <- call:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return apperrors.Network(call.Action+" "+call.Collection, ctx.Err())
		}
	}

	for _, rule := range rules {
		if err := rule(call); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockService) publish(event ChangeEvent) {
	m.mu.Lock()
	var targets []func(ChangeEvent)
	for _, sub := range m.subs {
		if sub.collection == event.Collection && eventMatches(event, sub.filter) {
			targets = append(targets, sub.fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range targets {
		fn(event)
	}
}

// table must be called with mu held.
func (m *MockService) table(collection string) map[string]models.Record {
	t, ok := m.data[collection]
	if !ok {
		t = make(map[string]models.Record)
		m.data[collection] = t
	}
	return t
}
