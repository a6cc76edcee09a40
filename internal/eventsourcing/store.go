// Package eventsourcing implements the Aggregate Store and Aggregate
// abstraction both the CA and Publication Server aggregates rest on: a
// persistent, per-handle event log with optimistic-concurrency commits,
// cached snapshots, and synchronous commit listeners.
package eventsourcing

import "github.com/rpki-io/krillgo/internal/rpki"

// Aggregate is the contract a domain state machine must satisfy to be
// hosted by a Store. C is the command type, E the event type, I the
// init-event type used to construct a fresh instance.
//
// Init and Apply are pure mutations of the receiver and must never fail:
// by the time an event reaches Apply it has already been validated by
// Process and committed by the store. Process is the only place business
// rules run; it must not mutate the receiver, only compute the events a
// valid command would produce.
type Aggregate[C, E, I any] interface {
	// Init sets the aggregate's initial state from its version-0 event.
	Init(I)
	// Apply mutates state for one already-committed event.
	Apply(E)
	// Process validates cmd against the current state and returns the
	// events committing it would produce, or an error with no side
	// effects.
	Process(cmd C) ([]E, error)
	// Version reports the version of the last applied event: 0 right
	// after Init (the init event is version 0), plus one for each event
	// applied since.
	Version() int
}

// Envelope is one persisted event record: the aggregate it belongs to,
// its position in that aggregate's event stream, and the payload.
type Envelope[E any] struct {
	Handle  rpki.Handle
	Version int
	Event   E
}

// Listener is notified, synchronously and in commit order, of every event
// committed to any aggregate hosted by a Store. Implementations must not
// block for long: they run inside the per-handle commit lock.
type Listener[E any] func(handle rpki.Handle, event E)

// Store is an Aggregate Store over aggregates of type A, with commands C,
// events E and init-events I.
type Store[A Aggregate[C, E, I], C, E, I any] interface {
	// Add creates a new aggregate from an init event. Fails with
	// apperr.DuplicateHandle if handle already exists.
	Add(handle rpki.Handle, init I) (A, error)
	// Has reports whether handle names an existing aggregate.
	Has(handle rpki.Handle) bool
	// GetLatest returns the aggregate at its current version. Fails with
	// apperr.UnknownHandle if absent.
	GetLatest(handle rpki.Handle) (A, error)
	// Update commits events as the next contiguous versions after
	// expectedVersion. Fails with apperr.ConcurrentModification if the
	// stored version has advanced past expectedVersion.
	Update(handle rpki.Handle, expectedVersion int, events []E) (A, error)
	// List returns every known handle, in no particular order.
	List() []rpki.Handle
	// AddListener registers a commit listener.
	AddListener(l Listener[E])
}
