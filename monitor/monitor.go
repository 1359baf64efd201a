// Package monitor tracks connectivity and queue size and decides when the
// sync queue gets drained.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/metrics"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type State string

const (
	StateOffline        State = "offline"
	StateOfflinePending State = "offline_pending"
	StateDraining       State = "draining"
	StateIdle           State = "idle"
	// StatePending: online, entries waiting for the next drain.
	StatePending State = "pending"
)

type Status struct {
	IsOnline     bool                  `json:"isOnline"`
	Syncing      bool                  `json:"syncing"`
	PendingCount int64                 `json:"pendingCount"`
	State        State                 `json:"state"`
	LastSyncAt   *time.Time            `json:"lastSyncAt,omitempty"`
	LastSummary  *synchronizer.Summary `json:"lastSummary,omitempty"`
	LastError    string                `json:"lastError,omitempty"`
}

func stateOf(online, syncing bool, pending int64) State {
	switch {
	case !online && pending > 0:
		return StateOfflinePending
	case !online:
		return StateOffline
	case syncing:
		return StateDraining
	case pending > 0:
		return StatePending
	default:
		return StateIdle
	}
}

// Drainer is the part of the synchronizer the monitor drives. DrainNow
// ignores the retry backoff.
type Drainer interface {
	Drain(ctx context.Context) (synchronizer.Summary, error)
	DrainNow(ctx context.Context) (synchronizer.Summary, error)
	PendingCount(ctx context.Context) (int64, error)
}

type Config struct {
	// RefreshInterval is the period of the pending-count timer.
	RefreshInterval time.Duration
	// AutoDrain makes the timer drain when online with pending entries.
	AutoDrain     bool
	Prober        Prober
	ProbeInterval time.Duration
	InitialOnline bool
	Now           func() time.Time
}

type Monitor struct {
	drainer Drainer
	cfg     Config

	mu        sync.RWMutex
	status    Status
	listeners []func(Status)
	baseCtx   context.Context

	draining atomic.Bool
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
	drains   sync.WaitGroup
}

func New(d Drainer, cfg Config) *Monitor {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Monitor{
		drainer: d,
		cfg:     cfg,
		baseCtx: context.Background(),
		stopCh:  make(chan struct{}),
	}
	m.status.IsOnline = cfg.InitialOnline
	m.status.State = stateOf(cfg.InitialOnline, false, 0)
	if cfg.InitialOnline {
		metrics.Online.Set(1)
	}
	return m
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.IsOnline
}

// OnChange registers fn for every status change. fn runs synchronously and
// must not call back into the monitor's setters.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// update applies fn to the status and notifies listeners when it changed.
func (m *Monitor) update(fn func(s *Status)) Status {
	m.mu.Lock()
	before := m.status
	fn(&m.status)
	m.status.State = stateOf(m.status.IsOnline, m.status.Syncing, m.status.PendingCount)
	after := m.status
	listeners := append(([]func(Status))(nil), m.listeners...)
	m.mu.Unlock()

	if !sameStatus(before, after) {
		for _, fn := range listeners {
			fn(after)
		}
	}
	return after
}

func sameStatus(a, b Status) bool {
	return a.IsOnline == b.IsOnline &&
		a.Syncing == b.Syncing &&
		a.PendingCount == b.PendingCount &&
		a.State == b.State &&
		a.LastSyncAt == b.LastSyncAt &&
		a.LastError == b.LastError
}

// SetOnline records a connectivity change. Coming back online with pending
// entries starts one background drain that also retries entries still in
// backoff; going offline never drains.
func (m *Monitor) SetOnline(online bool) {
	var was bool
	m.update(func(s *Status) {
		was = s.IsOnline
		s.IsOnline = online
	})
	if was == online {
		return
	}

	if online {
		metrics.Online.Set(1)
		utils.InfoLogger.Info("Connectivity restored")
	} else {
		metrics.Online.Set(0)
		utils.InfoLogger.Warn("Connectivity lost, mutations will be queued")
		return
	}

	pending, err := m.refreshPending(m.ctx())
	if err != nil {
		utils.ErrorLogger.Errorf("Error counting pending entries: %v", err)
		return
	}
	if pending > 0 {
		m.triggerDrain(true)
	}
}

// ManualSync runs one drain pass now, backoff included. It does nothing when
// offline or when a drain is already running; started reports whether this
// call drained.
func (m *Monitor) ManualSync(ctx context.Context) (summary synchronizer.Summary, started bool, err error) {
	if !m.IsOnline() {
		return synchronizer.Summary{}, false, nil
	}
	return m.runDrain(ctx, true)
}

// Refresh recomputes the pending count and, with AutoDrain, drains when
// online with work queued.
func (m *Monitor) Refresh(ctx context.Context) error {
	pending, err := m.refreshPending(ctx)
	if err != nil {
		return err
	}
	if m.cfg.AutoDrain && pending > 0 && m.IsOnline() && !m.draining.Load() {
		m.triggerDrain(false)
	}
	return nil
}

func (m *Monitor) refreshPending(ctx context.Context) (int64, error) {
	n, err := m.drainer.PendingCount(ctx)
	if err != nil {
		return 0, err
	}
	m.update(func(s *Status) { s.PendingCount = n })
	return n, nil
}

// triggerDrain starts a background drain unless one is in flight.
func (m *Monitor) triggerDrain(force bool) {
	if m.draining.Load() {
		return
	}
	m.drains.Add(1)
	go func() {
		defer m.drains.Done()
		if _, _, err := m.runDrain(m.ctx(), force); err != nil {
			utils.ErrorLogger.Errorf("Background drain failed: %v", err)
		}
	}()
}

func (m *Monitor) runDrain(ctx context.Context, force bool) (synchronizer.Summary, bool, error) {
	if !m.draining.CompareAndSwap(false, true) {
		return synchronizer.Summary{}, false, nil
	}
	defer m.draining.Store(false)

	m.update(func(s *Status) { s.Syncing = true })
	drain := m.drainer.Drain
	if force {
		drain = m.drainer.DrainNow
	}
	summary, err := drain(ctx)
	if errors.Is(err, synchronizer.ErrDrainInProgress) {
		m.update(func(s *Status) { s.Syncing = false })
		return synchronizer.Summary{}, false, nil
	}

	pending, perr := m.drainer.PendingCount(ctx)
	now := m.cfg.Now()
	m.update(func(s *Status) {
		s.Syncing = false
		s.LastSyncAt = &now
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = ""
			s.LastSummary = &summary
		}
		if perr == nil {
			s.PendingCount = pending
		}
	})

	utils.InfoLogger.WithFields(logrus.Fields{
		"synced":  summary.Synced,
		"failed":  summary.Failed,
		"pending": pending,
	}).Debug("Drain pass done")
	return summary, true, err
}

func (m *Monitor) ctx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseCtx
}

// Start runs the refresh timer and, with a Prober, the connectivity loop.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.loops.Add(1)
	go m.refreshLoop(ctx)
	if m.cfg.Prober != nil {
		m.loops.Add(1)
		go m.probeLoop(ctx)
	}
	utils.InfoLogger.Printf("Sync monitor started (refresh every %s)", m.cfg.RefreshInterval)
}

// Stop ends the loops and waits for them and for a running background drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loops.Wait()
	m.drains.Wait()
}

// Wait blocks until no background drain is running.
func (m *Monitor) Wait() {
	m.drains.Wait()
}

func (m *Monitor) refreshLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				utils.ErrorLogger.Errorf("Error refreshing sync status: %v", err)
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
	defer cancel()
	m.SetOnline(m.cfg.Prober.Probe(probeCtx))
}
