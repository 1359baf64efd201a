package synchronizer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/conflict"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *store.LocalStore
	queue  *queue.SyncQueue
	remote *remote.MockService
	sync   *Synchronizer
	clock  *clock
	online atomic.Bool
}

func newHarness(t *testing.T, strategy conflict.Strategy) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  st,
		remote: remote.NewMockService(),
		clock:  &clock{now: time.Date(2024, 8, 17, 11, 0, 0, 0, time.UTC)},
	}
	h.queue, err = queue.New(st)
	require.NoError(t, err)
	h.queue.Now = h.clock.Now
	h.remote.Now = h.clock.Now

	h.sync = New(st, h.queue, h.remote, Options{Strategy: strategy, Now: h.clock.Now})
	h.sync.SetConnectivity(h.online.Load)
	return h
}

func (h *harness) submit(t *testing.T, action models.QueueAction, collection string, rec models.Record) Result {
	t.Helper()
	res, err := h.sync.SubmitMutation(context.Background(), Mutation{Action: action, Collection: collection, Record: rec})
	require.NoError(t, err)
	return res
}

func (h *harness) createOrder(t *testing.T, fields map[string]interface{}) string {
	t.Helper()
	return h.submit(t, models.ActionCreate, models.CollectionOrders, models.NewRecord("", fields)).Record.ID
}

func (h *harness) local(t *testing.T, collection, id string) (models.Record, bool) {
	t.Helper()
	rec, ok, err := h.store.Get(context.Background(), collection, id)
	require.NoError(t, err)
	return rec, ok
}

func (h *harness) pending(t *testing.T) []models.QueueEntry {
	t.Helper()
	entries, err := h.queue.GetPending(context.Background())
	require.NoError(t, err)
	return entries
}

// mutatingCalls drops selects from the call log.
func mutatingCalls(m *remote.MockService) []remote.Call {
	var out []remote.Call
	for _, c := range m.Calls() {
		if c.Action != "select" {
			out = append(out, c)
		}
	}
	return out
}

func TestSubmitOfflineQueuesWithOfflineID(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)

	res := h.submit(t, models.ActionCreate, models.CollectionOrders, models.NewRecord("", map[string]interface{}{"table_id": "t1"}))
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.EntryID)
	assert.True(t, models.IsOfflineID(res.Record.ID))
	assert.False(t, res.Record.Synced)

	rec, ok := h.local(t, models.CollectionOrders, res.Record.ID)
	require.True(t, ok)
	assert.Equal(t, "t1", rec.String("table_id"))
	assert.Equal(t, 0, h.remote.CallCount(""))

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCreate, entries[0].Action)
	assert.Equal(t, models.QueueStatusPending, entries[0].Status)
}

func TestSubmitOnlineSendsDirectly(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.online.Store(true)

	res := h.submit(t, models.ActionCreate, models.CollectionOrders, models.NewRecord("", map[string]interface{}{"table_id": "t2"}))
	assert.False(t, res.Queued)
	assert.Equal(t, "srv-1", res.Record.ID)
	assert.True(t, res.Record.Synced)

	rec, ok := h.local(t, models.CollectionOrders, "srv-1")
	require.True(t, ok)
	assert.True(t, rec.Synced)
	assert.Empty(t, h.pending(t))

	res = h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("srv-1", map[string]interface{}{"status": "served"}))
	assert.False(t, res.Queued)
	assert.Equal(t, "t2", res.Record.String("table_id"))

	remoteRec, ok := h.remote.Get(models.CollectionOrders, "srv-1")
	require.True(t, ok)
	assert.Equal(t, "served", remoteRec.String("status"))
	assert.Equal(t, "t2", remoteRec.String("table_id"))
}

func TestSubmitFallsBackToQueueOnNetworkError(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.online.Store(true)
	h.remote.GoOffline()

	res := h.submit(t, models.ActionCreate, models.CollectionOrders, models.NewRecord("", nil))
	assert.True(t, res.Queued)

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.QueueStatusPending, entries[0].Status)
	assert.Equal(t, 0, entries[0].Attempts)
}

func TestSubmitQueuesWhenParentIsOffline(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	orderID := h.createOrder(t, nil)

	h.online.Store(true)
	res := h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
		"order_id": orderID,
		"quantity": 2,
	}))
	assert.True(t, res.Queued)
	assert.Equal(t, 0, h.remote.CallCount(""))
}

func TestSubmitQueuesBehindOlderEntries(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.remote.Seed(models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "pending"}))
	require.NoError(t, h.store.Put(context.Background(), models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "pending"})))

	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "cooking"}))
	h.online.Store(true)
	res := h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "served"}))

	assert.True(t, res.Queued)
	assert.Len(t, h.pending(t), 2)
}

func TestSubmitRejectsInvalidMutation(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	_, err := h.sync.SubmitMutation(ctx, Mutation{Action: "upsert", Collection: models.CollectionOrders})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = h.sync.SubmitMutation(ctx, Mutation{Action: models.ActionCreate})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = h.sync.SubmitMutation(ctx, Mutation{Action: models.ActionUpdate, Collection: models.CollectionOrders})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	assert.Empty(t, h.pending(t))
	all, err := h.store.GetAll(ctx, models.CollectionOrders)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitUpdateMergesOntoLocalRecord(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	id := h.createOrder(t, map[string]interface{}{"table_id": "t3", "status": "pending"})

	res := h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(id, map[string]interface{}{"status": "cooking"}))
	assert.Equal(t, "t3", res.Record.String("table_id"))
	assert.Equal(t, "cooking", res.Record.String("status"))

	created, _ := h.local(t, models.CollectionOrders, id)
	assert.True(t, created.UpdatedAt.After(created.CreatedAt))
}

func TestDrainAppliesEntriesInFIFOOrder(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)

	a := h.createOrder(t, map[string]interface{}{"step": 0})
	b := h.createOrder(t, map[string]interface{}{"step": 1})
	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(a, map[string]interface{}{"step": 2}))
	h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{"order_id": b, "step": 3}))
	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(b, map[string]interface{}{"step": 4}))
	h.submit(t, models.ActionDelete, models.CollectionOrders, models.NewRecord(a, nil))

	h.online.Store(true)
	summary, err := h.sync.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 6, summary.Synced)
	assert.Equal(t, 0, summary.Failed)

	calls := mutatingCalls(h.remote)
	require.Len(t, calls, 6)
	for i, c := range calls[:5] {
		assert.Equal(t, float64(i), c.Record.Float("step"), "call %d", i)
	}
	assert.Equal(t, "delete", calls[5].Action)
	assert.Equal(t, "srv-1", calls[5].ID)
	assert.Empty(t, h.pending(t))
}

func TestDrainRewritesOfflineIDsEverywhere(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	orderID := h.createOrder(t, map[string]interface{}{"table_id": "t5"})
	item := h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
		"order_id": orderID, "name": "Nasi Goreng", "quantity": 1,
	})).Record
	addon := h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
		"order_id": orderID, "parent_item_id": item.ID, "name": "Telur", "quantity": 1,
	})).Record
	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(orderID, map[string]interface{}{"status": "cooking"}))

	h.online.Store(true)
	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Synced)

	_, ok := h.local(t, models.CollectionOrders, orderID)
	assert.False(t, ok, "order still stored under its offline id")

	orders, err := h.store.GetAll(ctx, models.CollectionOrders)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	serverOrder := orders[0]
	assert.False(t, models.IsOfflineID(serverOrder.ID))
	assert.True(t, serverOrder.Synced)
	assert.Equal(t, "cooking", serverOrder.String("status"))

	items, err := h.store.GetAll(ctx, models.CollectionOrderItems)
	require.NoError(t, err)
	require.Len(t, items, 2)
	var serverItemID string
	for _, it := range items {
		assert.False(t, models.IsOfflineID(it.ID))
		assert.Equal(t, serverOrder.ID, it.String("order_id"))
		assert.True(t, it.Synced)
		if it.String("name") == "Nasi Goreng" {
			serverItemID = it.ID
		}
	}
	require.NotEmpty(t, serverItemID)
	for _, it := range items {
		if it.String("name") == "Telur" {
			assert.Equal(t, serverItemID, it.String("parent_item_id"))
		}
	}

	// the remote side never saw an offline reference
	for _, c := range mutatingCalls(h.remote) {
		if c.Collection == models.CollectionOrderItems {
			assert.False(t, models.IsOfflineID(c.Record.String("order_id")))
			assert.False(t, models.IsOfflineID(c.Record.String("parent_item_id")))
		}
		if c.Action == "update" {
			assert.Equal(t, serverOrder.ID, c.ID)
		}
	}
	assert.Equal(t, serverOrder.ID, h.sync.ResolveID(models.CollectionOrders, orderID))
	assert.Equal(t, serverItemID, h.sync.ResolveID(models.CollectionOrderItems, item.ID))
	assert.NotEqual(t, addon.ID, h.sync.ResolveID(models.CollectionOrderItems, addon.ID))
	assert.Empty(t, h.pending(t))
}

func TestDrainIsolatesFailures(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	a := h.createOrder(t, map[string]interface{}{"name": "a"})
	b := h.createOrder(t, map[string]interface{}{"name": "b"})
	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(a, map[string]interface{}{"status": "served"}))
	h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{"order_id": a}))
	c := h.createOrder(t, map[string]interface{}{"name": "c"})

	h.remote.FailWhen(func(call remote.Call) error {
		if call.Action == "insert" && call.ID == a {
			return apperrors.Network("insert", errors.New("timeout"))
		}
		return nil
	})

	h.online.Store(true)
	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 2, summary.Deferred)
	assert.Equal(t, 3, summary.Attempted)

	// b and c went through despite a failing first
	assert.Equal(t, 3, h.remote.CallCount("insert"))
	assert.Equal(t, 0, h.remote.CallCount("update"))
	_, ok := h.local(t, models.CollectionOrders, b)
	assert.False(t, ok)
	_, ok = h.local(t, models.CollectionOrders, c)
	assert.False(t, ok)

	entries := h.pending(t)
	require.Len(t, entries, 3)
	assert.Equal(t, models.QueueStatusFailed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].NextAttemptAt)

	// not due yet: nothing is sent
	h.remote.ClearFailures()
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Deferred)
	assert.Equal(t, 3, h.remote.CallCount("insert"))

	h.clock.Advance(queue.DefaultBackoff.Base)
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Synced)
	assert.Empty(t, h.pending(t))
}

func TestDrainDeadLettersValidationErrors(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	bad := h.createOrder(t, map[string]interface{}{"name": "bad"})
	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord(bad, map[string]interface{}{"status": "served"}))
	h.createOrder(t, map[string]interface{}{"name": "good"})
	h.remote.FailNext("insert", models.CollectionOrders, apperrors.Validation("insert", "table_id is required"))

	h.online.Store(true)
	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	// the update follows its create into the dead letters
	assert.Equal(t, 2, summary.DeadLettered)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 0, summary.Deferred)

	dead, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, bad, dead[0].RecordID)
	assert.Equal(t, models.ActionCreate, dead[0].Action)
	assert.Contains(t, dead[0].LastError, "table_id is required")
	assert.Equal(t, models.ActionUpdate, dead[1].Action)
	assert.Contains(t, dead[1].LastError, bad)

	// operator fixes the cause and requeues
	require.NoError(t, h.queue.Requeue(ctx, dead[0].ID))
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Synced)
	assert.Empty(t, h.pending(t))
}

func TestDrainGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.sync.opts.Backoff = queue.Backoff{Base: time.Second, Max: time.Second, MaxAttempts: 2}
	ctx := context.Background()

	h.createOrder(t, nil)
	h.remote.GoOffline()
	h.online.Store(true)

	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	h.clock.Advance(time.Second)
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLettered)
	assert.Empty(t, h.pending(t))
}

func TestDrainNowRetriesEntriesInBackoff(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.sync.opts.Backoff = queue.Backoff{Base: 5 * time.Minute, Max: 5 * time.Minute, MaxAttempts: 10}
	ctx := context.Background()

	h.createOrder(t, nil)
	h.remote.GoOffline()
	h.online.Store(true)
	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	// link is back a second later
	h.remote.ClearFailures()
	h.clock.Advance(time.Second)
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deferred)
	assert.Equal(t, 0, summary.Synced)

	summary, err = h.sync.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Empty(t, h.pending(t))
}

func TestDrainDeadLettersChildrenOfDeadParent(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	orderID := h.createOrder(t, map[string]interface{}{"name": "bad"})
	item := h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
		"order_id": orderID, "name": "Nasi Goreng",
	})).Record
	h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
		"order_id": orderID, "parent_item_id": item.ID, "name": "Telur",
	}))
	h.remote.FailNext("insert", models.CollectionOrders, apperrors.Validation("insert", "table_id is required"))

	h.online.Store(true)
	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.DeadLettered)
	assert.Equal(t, 0, summary.Deferred)

	n, err := h.sync.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// later passes have nothing left to wait for
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		summary, err = h.sync.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Total)
		assert.Equal(t, 0, summary.Deferred)
	}

	dead, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	assert.Equal(t, models.CollectionOrders, dead[0].Table)
	for _, e := range dead[1:] {
		assert.Equal(t, models.CollectionOrderItems, e.Table)
		assert.Contains(t, e.LastError, orderID)
	}

	// requeueing the order brings its items back with it
	require.NoError(t, h.queue.Requeue(ctx, dead[0].ID))
	summary, err = h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Synced)
	assert.Empty(t, h.pending(t))
	dead, err = h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	for _, c := range mutatingCalls(h.remote) {
		if c.Collection == models.CollectionOrderItems {
			assert.False(t, models.IsOfflineID(c.Record.String("order_id")))
			assert.False(t, models.IsOfflineID(c.Record.String("parent_item_id")))
		}
	}
}

func TestReadersNeverSeeHalfRewrittenOrders(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		orderID := h.createOrder(t, map[string]interface{}{"table_id": "t1"})
		item := h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
			"order_id": orderID, "name": "Nasi Goreng",
		})).Record
		h.submit(t, models.ActionCreate, models.CollectionOrderItems, models.NewRecord("", map[string]interface{}{
			"order_id": orderID, "parent_item_id": item.ID, "name": "Telur",
		}))
	}
	h.online.Store(true)

	done := make(chan Summary, 1)
	go func() {
		summary, err := h.sync.Drain(ctx)
		assert.NoError(t, err)
		done <- summary
	}()

	check := func() {
		err := h.store.View(ctx, func(tx *store.Txn) error {
			orders, err := tx.GetAll(models.CollectionOrders)
			if err != nil {
				return err
			}
			for _, o := range orders {
				items, err := tx.Find(models.CollectionOrderItems, "order_id", o.ID)
				if err != nil {
					return err
				}
				assert.Len(t, items, 2, "order %s", o.ID)
			}
			ids := make(map[string]bool, len(orders))
			for _, o := range orders {
				ids[o.ID] = true
			}
			items, err := tx.GetAll(models.CollectionOrderItems)
			if err != nil {
				return err
			}
			assert.Len(t, items, 16)
			byID := make(map[string]bool, len(items))
			for _, it := range items {
				byID[it.ID] = true
			}
			for _, it := range items {
				assert.True(t, ids[it.String("order_id")], "item %s points at missing order %s", it.ID, it.String("order_id"))
				if parent := it.String("parent_item_id"); parent != "" {
					assert.True(t, byID[parent], "item %s points at missing item %s", it.ID, parent)
				}
			}
			return nil
		})
		require.NoError(t, err)
	}

	var summary Summary
loop:
	for {
		check()
		select {
		case summary = <-done:
			break loop
		default:
		}
	}
	check()

	assert.Equal(t, 24, summary.Synced)
	assert.Empty(t, h.pending(t))
}

func TestDrainNeverRunsTwice(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()
	h.createOrder(t, nil)
	h.createOrder(t, nil)
	h.online.Store(true)

	entered, release := h.remote.Block()
	done := make(chan Summary, 1)
	go func() {
		summary, err := h.sync.Drain(ctx)
		assert.NoError(t, err)
		done <- summary
	}()

	<-entered
	assert.True(t, h.sync.Draining())
	for i := 0; i < 3; i++ {
		_, err := h.sync.Drain(ctx)
		assert.ErrorIs(t, err, ErrDrainInProgress)
	}
	release()

	summary := <-done
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 2, h.remote.CallCount("insert"))
	assert.False(t, h.sync.Draining())
}

func TestConflictRemoteWins(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()
	t0 := h.clock.Now()

	server := models.NewRecord("o1", map[string]interface{}{"status": "completed"})
	server.CreatedAt = t0
	server.UpdatedAt = t0.Add(time.Hour)
	h.remote.Seed(models.CollectionOrders, server)

	local := models.NewRecord("o1", map[string]interface{}{"status": "pending"})
	local.CreatedAt = t0
	local.Synced = true
	require.NoError(t, h.store.Put(ctx, models.CollectionOrders, local))

	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "cancelled"}))
	h.online.Store(true)

	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	rec, ok := h.local(t, models.CollectionOrders, "o1")
	require.True(t, ok)
	assert.Equal(t, "completed", rec.String("status"))
	assert.True(t, rec.Synced)
	assert.Empty(t, h.pending(t))

	remoteRec, _ := h.remote.Get(models.CollectionOrders, "o1")
	assert.Equal(t, "completed", remoteRec.String("status"))
}

func TestConflictLocalWins(t *testing.T) {
	h := newHarness(t, conflict.StrategyLocal)
	ctx := context.Background()
	t0 := h.clock.Now()

	server := models.NewRecord("o1", map[string]interface{}{"status": "completed"})
	server.CreatedAt = t0
	server.UpdatedAt = t0.Add(time.Hour)
	h.remote.Seed(models.CollectionOrders, server)
	require.NoError(t, h.store.Put(ctx, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "pending"})))

	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "cancelled"}))
	h.online.Store(true)

	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	remoteRec, _ := h.remote.Get(models.CollectionOrders, "o1")
	assert.Equal(t, "cancelled", remoteRec.String("status"))
	assert.True(t, remoteRec.UpdatedAt.After(server.UpdatedAt))

	rec, _ := h.local(t, models.CollectionOrders, "o1")
	assert.Equal(t, "cancelled", rec.String("status"))
	assert.True(t, rec.Synced)
	assert.True(t, rec.UpdatedAt.Equal(remoteRec.UpdatedAt))
}

func TestConflictMergeKeepsLaterCopy(t *testing.T) {
	h := newHarness(t, conflict.StrategyMerge)
	ctx := context.Background()
	t0 := h.clock.Now()

	server := models.NewRecord("o1", map[string]interface{}{"status": "served"})
	server.CreatedAt = t0.Add(-time.Hour)
	server.UpdatedAt = t0.Add(-time.Minute)
	h.remote.Seed(models.CollectionOrders, server)

	// created with an id the server already knows
	h.submit(t, models.ActionCreate, models.CollectionOrders, models.NewRecord("o1", map[string]interface{}{"status": "cooking"}))
	h.online.Store(true)

	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	remoteRec, _ := h.remote.Get(models.CollectionOrders, "o1")
	assert.Equal(t, "cooking", remoteRec.String("status"))
}

func TestConflictRecordDeletedRemotely(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, models.CollectionOrders, models.NewRecord("gone", map[string]interface{}{"status": "pending"})))

	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("gone", map[string]interface{}{"status": "served"}))
	h.online.Store(true)

	summary, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)
	_, ok := h.local(t, models.CollectionOrders, "gone")
	assert.False(t, ok)
}

func TestConflictRecordDeletedRemotelyLocalStrategyReinserts(t *testing.T) {
	h := newHarness(t, conflict.StrategyLocal)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, models.CollectionOrders, models.NewRecord("gone", map[string]interface{}{"status": "pending"})))

	h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("gone", map[string]interface{}{"status": "served"}))
	h.online.Store(true)

	_, err := h.sync.Drain(ctx)
	require.NoError(t, err)
	remoteRec, ok := h.remote.Get(models.CollectionOrders, "gone")
	require.True(t, ok)
	assert.Equal(t, "served", remoteRec.String("status"))

	rec, ok := h.local(t, models.CollectionOrders, "gone")
	require.True(t, ok)
	assert.True(t, rec.Synced)
}

func TestSubmitResolvesConflictImmediately(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	ctx := context.Background()
	t0 := h.clock.Now()

	server := models.NewRecord("o9", map[string]interface{}{"status": "completed"})
	server.UpdatedAt = t0.Add(time.Hour)
	h.remote.Seed(models.CollectionOrders, server)
	require.NoError(t, h.store.Put(ctx, models.CollectionOrders, models.NewRecord("o9", map[string]interface{}{"status": "pending"})))

	h.online.Store(true)
	res := h.submit(t, models.ActionUpdate, models.CollectionOrders, models.NewRecord("o9", map[string]interface{}{"status": "served"}))
	assert.False(t, res.Queued)
	assert.Equal(t, "completed", res.Record.String("status"))
	assert.Empty(t, h.pending(t))
}

func TestObserversSeeOrderedEvents(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.createOrder(t, nil)
	h.createOrder(t, nil)
	h.online.Store(true)

	var events []string
	remove := h.sync.AddObserver(ObserverFuncs{
		Start:    func() { events = append(events, "start") },
		Progress: func(current, total int) { events = append(events, "progress") },
		Complete: func(s Summary) { events = append(events, "complete") },
		Error:    func(err error) { events = append(events, "error") },
	})

	var progress [][2]int
	h.sync.AddObserver(ObserverFuncs{
		Progress: func(current, total int) { progress = append(progress, [2]int{current, total}) },
	})

	_, err := h.sync.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "progress", "progress", "complete"}, events)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, progress)

	remove()
	_, err = h.sync.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestObserverErrorOnStorageFailure(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	var events []string
	h.sync.AddObserver(ObserverFuncs{
		Start:    func() { events = append(events, "start") },
		Complete: func(s Summary) { events = append(events, "complete") },
		Error:    func(err error) { events = append(events, "error") },
	})

	sqlDB, err := h.store.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = h.sync.Drain(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"start", "error"}, events)
	assert.False(t, h.sync.Draining())
}

func TestPendingCount(t *testing.T) {
	h := newHarness(t, conflict.StrategyRemote)
	h.createOrder(t, nil)
	h.createOrder(t, nil)

	n, err := h.sync.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
