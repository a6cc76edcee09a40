package postgrestore

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// counterInit/counterEvent/counterAggregate is a minimal Aggregate used to
// exercise Store's SQL shape without depending on the CA or Publication
// Server domain types.
type counterInit struct {
	Start int `json:"start"`
}

type counterEvent struct {
	Delta int `json:"delta"`
}

type counterAggregate struct {
	value   int
	version int
}

func (c *counterAggregate) Init(i counterInit) { c.value = i.Start; c.version = 0 }
func (c *counterAggregate) Apply(e counterEvent) {
	c.value += e.Delta
	c.version++
}
func (c *counterAggregate) Process(_ struct{}) ([]counterEvent, error) { return nil, nil }
func (c *counterAggregate) Version() int                               { return c.version }

func newCounter() *counterAggregate { return &counterAggregate{} }

func newMockStore(t *testing.T) (*Store[*counterAggregate, struct{}, counterEvent, counterInit], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return New[*counterAggregate, struct{}, counterEvent, counterInit](sqlxDB, "test", newCounter), mock
}

func TestStore_Add(t *testing.T) {
	store, mock := newMockStore(t)
	h := rpki.MustHandle("c1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("test", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO eventsourcing_aggregates`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := store.Add(h, counterInit{Start: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, got.value)
	assert.Equal(t, 0, got.Version())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	h := rpki.MustHandle("c1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("test", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.Add(h, counterInit{Start: 5})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateHandle, appErr.Code)
}

func TestStore_UpdateConcurrentModification(t *testing.T) {
	store, mock := newMockStore(t)
	h := rpki.MustHandle("c1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM eventsourcing_aggregates`).
		WithArgs("test", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	_, err := store.Update(h, 0, []counterEvent{{Delta: 1}})
	require.Error(t, err)
	assert.True(t, apperr.IsConcurrentModification(err))
}
