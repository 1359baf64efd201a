package synchronizer

// Observer receives drain lifecycle events. Calls are synchronous, in order,
// on the draining goroutine: OnDrainStart, then OnDrainProgress for every
// entry, then exactly one of OnDrainComplete or OnDrainError.
type Observer interface {
	OnDrainStart()
	OnDrainProgress(current, total int)
	OnDrainComplete(summary Summary)
	OnDrainError(err error)
}

// ObserverFuncs adapts plain functions; nil fields are skipped.
type ObserverFuncs struct {
	Start    func()
	Progress func(current, total int)
	Complete func(summary Summary)
	Error    func(err error)
}

func (f ObserverFuncs) OnDrainStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f ObserverFuncs) OnDrainProgress(current, total int) {
	if f.Progress != nil {
		f.Progress(current, total)
	}
}

func (f ObserverFuncs) OnDrainComplete(summary Summary) {
	if f.Complete != nil {
		f.Complete(summary)
	}
}

func (f ObserverFuncs) OnDrainError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

type registeredObserver struct {
	id  int
	obs Observer
}

// AddObserver registers o and returns a function that removes it.
func (s *Synchronizer) AddObserver(o Observer) (remove func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers = append(s.observers, registeredObserver{id: id, obs: o})
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, r := range s.observers {
			if r.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Synchronizer) each(fn func(Observer)) {
	s.obsMu.RLock()
	list := make([]Observer, 0, len(s.observers))
	for _, r := range s.observers {
		list = append(list, r.obs)
	}
	s.obsMu.RUnlock()
	for _, o := range list {
		fn(o)
	}
}
