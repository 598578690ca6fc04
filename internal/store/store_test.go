package store

import (
	"context"
	"testing"
	"time"

	"github.com/raindrop/tabagent/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_ExecAndQuery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Exec(ctx, `CREATE TABLE widgets (name VARCHAR, qty BIGINT)`, nil, time.Second))
	require.NoError(t, st.Exec(ctx, `INSERT INTO widgets (name, qty) VALUES (?, ?)`, []any{"bolt", int64(5)}, time.Second))

	table, err := st.Query(ctx, `SELECT name, qty FROM widgets`, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "qty"}, table.Columns)
	assert.Equal(t, 1, table.RowCount)
	assert.Equal(t, "bolt", table.Rows[0][0])
}

func TestStore_QueryFailed(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Query(context.Background(), `SELECT * FROM does_not_exist`, nil, time.Second)
	require.Error(t, err)
	var te *errs.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.QueryFailed, te.Code)
}

func TestStore_QueryTimeout(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Query(context.Background(), `SELECT COUNT(*) FROM range(100000000)`, nil, time.Nanosecond)
	require.Error(t, err)
	var te *errs.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.QueryTimeout, te.Code)
}
