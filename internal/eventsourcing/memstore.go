package eventsourcing

import (
	"sync"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// record is the full persisted history of one aggregate instance: its
// event log and the live, replayed state it caches.
type record[A Aggregate[C, E, I], C, E, I any] struct {
	mu     sync.Mutex
	events []E
	state  A
}

// MemStore is an in-memory Store, one mutex per aggregate handle so
// commits to different handles never contend, guarded by a top-level
// RWMutex only for the handle index itself. Grounded on the teacher's
// map-of-mutexes in-memory persistence layer, generalized over the
// Aggregate type parameter instead of one bespoke store per domain.
type MemStore[A Aggregate[C, E, I], C, E, I any] struct {
	namespace string
	newFn     func() A

	idxMu sync.RWMutex
	idx   map[rpki.Handle]*record[A, C, E, I]

	listenersMu sync.Mutex
	listeners   []Listener[E]
}

// NewMemStore returns an empty MemStore. newFn constructs a zero-value
// aggregate instance ready to receive Init; namespace disambiguates
// handles across aggregate types that share the Handle Go type (e.g.
// "ca" vs "pubd").
func NewMemStore[A Aggregate[C, E, I], C, E, I any](namespace string, newFn func() A) *MemStore[A, C, E, I] {
	return &MemStore[A, C, E, I]{
		namespace: namespace,
		newFn:     newFn,
		idx:       make(map[rpki.Handle]*record[A, C, E, I]),
	}
}

func (s *MemStore[A, C, E, I]) Add(handle rpki.Handle, init I) (A, error) {
	s.idxMu.Lock()
	if _, exists := s.idx[handle]; exists {
		s.idxMu.Unlock()
		var zero A
		return zero, apperr.DuplicateHandle(s.namespace, handle.String())
	}
	rec := &record[A, C, E, I]{state: s.newFn()}
	rec.state.Init(init)
	s.idx[handle] = rec
	s.idxMu.Unlock()
	return rec.state, nil
}

func (s *MemStore[A, C, E, I]) Has(handle rpki.Handle) bool {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	_, ok := s.idx[handle]
	return ok
}

func (s *MemStore[A, C, E, I]) lookup(handle rpki.Handle) (*record[A, C, E, I], error) {
	s.idxMu.RLock()
	rec, ok := s.idx[handle]
	s.idxMu.RUnlock()
	if !ok {
		var zero A
		_ = zero
		return nil, apperr.UnknownHandle(s.namespace, handle.String())
	}
	return rec, nil
}

func (s *MemStore[A, C, E, I]) GetLatest(handle rpki.Handle) (A, error) {
	rec, err := s.lookup(handle)
	if err != nil {
		var zero A
		return zero, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

func (s *MemStore[A, C, E, I]) Update(handle rpki.Handle, expectedVersion int, events []E) (A, error) {
	rec, err := s.lookup(handle)
	if err != nil {
		var zero A
		return zero, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state.Version() != expectedVersion {
		var zero A
		return zero, apperr.ConcurrentModification(handle.String(), expectedVersion, rec.state.Version())
	}

	rec.events = append(rec.events, events...)
	for _, ev := range events {
		rec.state.Apply(ev)
	}

	s.listenersMu.Lock()
	ls := append([]Listener[E]{}, s.listeners...)
	s.listenersMu.Unlock()
	for _, ev := range events {
		for _, l := range ls {
			l(handle, ev)
		}
	}

	return rec.state, nil
}

func (s *MemStore[A, C, E, I]) List() []rpki.Handle {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	out := make([]rpki.Handle, 0, len(s.idx))
	for h := range s.idx {
		out = append(out, h)
	}
	return out
}

func (s *MemStore[A, C, E, I]) AddListener(l Listener[E]) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Replay rebuilds a fresh aggregate instance from this record's raw event
// log, used to verify the determinism invariant (spec.md §8 property 5)
// independently of the live cached state.
func (s *MemStore[A, C, E, I]) Replay(handle rpki.Handle, init I) (A, error) {
	rec, err := s.lookup(handle)
	if err != nil {
		var zero A
		return zero, err
	}
	rec.mu.Lock()
	events := append([]E{}, rec.events...)
	rec.mu.Unlock()

	fresh := s.newFn()
	fresh.Init(init)
	for _, ev := range events {
		fresh.Apply(ev)
	}
	return fresh, nil
}
