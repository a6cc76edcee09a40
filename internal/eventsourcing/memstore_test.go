package eventsourcing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
)

type counterInit struct{ Start int }
type counterEvent struct{ Delta int }
type counterCmd struct{ Delta int }

type counterAggregate struct {
	value   int
	version int
}

func (c *counterAggregate) Init(i counterInit) { c.value = i.Start; c.version = 0 }
func (c *counterAggregate) Apply(e counterEvent) {
	c.value += e.Delta
	c.version++
}
func (c *counterAggregate) Process(cmd counterCmd) ([]counterEvent, error) {
	if cmd.Delta == 0 {
		return nil, apperr.InvalidRequest("zero delta")
	}
	return []counterEvent{{Delta: cmd.Delta}}, nil
}
func (c *counterAggregate) Version() int { return c.version }

func newCounterStore() *MemStore[*counterAggregate, counterCmd, counterEvent, counterInit] {
	return NewMemStore[*counterAggregate, counterCmd, counterEvent, counterInit]("test", func() *counterAggregate {
		return &counterAggregate{}
	})
}

func TestMemStore_AddAndGet(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")

	got, err := store.Add(h, counterInit{Start: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, got.value)
	assert.Equal(t, 0, got.Version())
	assert.True(t, store.Has(h))
}

func TestMemStore_AddDuplicateFails(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")
	_, err := store.Add(h, counterInit{Start: 1})
	require.NoError(t, err)

	_, err = store.Add(h, counterInit{Start: 2})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateHandle, appErr.Code)
}

func TestMemStore_UnknownHandle(t *testing.T) {
	store := newCounterStore()
	_, err := store.GetLatest(rpki.MustHandle("nope"))
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUnknownHandle, appErr.Code)
}

func TestMemStore_UpdateAdvancesVersionAndAppliesEvents(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")
	_, err := store.Add(h, counterInit{Start: 0})
	require.NoError(t, err)

	got, err := store.Update(h, 0, []counterEvent{{Delta: 3}, {Delta: 4}})
	require.NoError(t, err)
	assert.Equal(t, 7, got.value)
	assert.Equal(t, 2, got.Version())
}

func TestMemStore_ConcurrentModificationRejected(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")
	_, err := store.Add(h, counterInit{Start: 0})
	require.NoError(t, err)

	_, err = store.Update(h, 5, []counterEvent{{Delta: 1}})
	require.Error(t, err)
	assert.True(t, apperr.IsConcurrentModification(err))
}

func TestMemStore_ListenersNotifiedInCommitOrder(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")
	_, err := store.Add(h, counterInit{Start: 0})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	store.AddListener(func(_ rpki.Handle, e counterEvent) {
		mu.Lock()
		seen = append(seen, e.Delta)
		mu.Unlock()
	})

	_, err = store.Update(h, 0, []counterEvent{{Delta: 1}, {Delta: 2}, {Delta: 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestMemStore_ReplayIsDeterministic(t *testing.T) {
	store := newCounterStore()
	h := rpki.MustHandle("c1")
	_, err := store.Add(h, counterInit{Start: 1})
	require.NoError(t, err)
	_, err = store.Update(h, 0, []counterEvent{{Delta: 2}, {Delta: -1}})
	require.NoError(t, err)

	live, err := store.GetLatest(h)
	require.NoError(t, err)

	replayed, err := store.Replay(h, counterInit{Start: 1})
	require.NoError(t, err)

	assert.Equal(t, live.value, replayed.value)
	assert.Equal(t, live.Version(), replayed.Version())
}

func TestMemStore_List(t *testing.T) {
	store := newCounterStore()
	_, err := store.Add(rpki.MustHandle("a"), counterInit{})
	require.NoError(t, err)
	_, err = store.Add(rpki.MustHandle("b"), counterInit{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []rpki.Handle{rpki.MustHandle("a"), rpki.MustHandle("b")}, store.List())
}
