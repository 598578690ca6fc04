package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadCSV_InfersTypesAndLoads(t *testing.T) {
	st := openTestStore(t)
	csv := "name,qty,price,active\n" +
		"bolt,3,1.50,true\n" +
		"nut,5,0.75,false\n" +
		"washer,,0.10,true\n"

	schema, rowCount, err := LoadCSV(context.Background(), st, strings.NewReader(csv), "parts", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, rowCount)

	cols := make(map[string]dataset.Column, len(schema.Columns))
	for _, c := range schema.Columns {
		cols[c.Name] = c
	}
	assert.Equal(t, dataset.TypeString, cols["name"].Type)
	assert.Equal(t, dataset.TypeInt, cols["qty"].Type)
	assert.Equal(t, dataset.TypeFloat, cols["price"].Type)
	assert.Equal(t, dataset.TypeBool, cols["active"].Type)
	assert.InDelta(t, 1.0/3.0, cols["qty"].NullRatio, 1e-9)

	table, err := st.Query(context.Background(), `SELECT COUNT(*) FROM "parts"`, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), table.Rows[0][0])
}

func TestLoadCSV_NarrowsIntToFloatOnOutlier(t *testing.T) {
	st := openTestStore(t)
	csv := "qty\n1\n2\n2.5\n"
	schema, _, err := LoadCSV(context.Background(), st, strings.NewReader(csv), "measurements", 0)
	require.NoError(t, err)
	require.Len(t, schema.Columns, 1)
	assert.Equal(t, dataset.TypeFloat, schema.Columns[0].Type)
}

func TestLoadCSV_NarrowsToStringOnNonNumeric(t *testing.T) {
	st := openTestStore(t)
	csv := "label\n1\n2\nabc\n"
	schema, _, err := LoadCSV(context.Background(), st, strings.NewReader(csv), "labels", 0)
	require.NoError(t, err)
	require.Len(t, schema.Columns, 1)
	assert.Equal(t, dataset.TypeString, schema.Columns[0].Type)
}

func TestLoadCSV_RejectsUnreadableHeader(t *testing.T) {
	st := openTestStore(t)
	_, _, err := LoadCSV(context.Background(), st, strings.NewReader(""), "empty", 0)
	require.Error(t, err)
}

func TestLoadCSV_HeaderRowSkipsLeadingRows(t *testing.T) {
	st := openTestStore(t)
	csv := "exported 2026-07-31\n" +
		"name,qty\n" +
		"bolt,3\n" +
		"nut,5\n"
	schema, rowCount, err := LoadCSV(context.Background(), st, strings.NewReader(csv), "titled", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rowCount)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, "name", schema.Columns[0].Name)
}

func TestLoadCSV_ExampleValuesCappedAtThree(t *testing.T) {
	st := openTestStore(t)
	csv := "color\nred\nblue\ngreen\nyellow\nred\n"
	schema, _, err := LoadCSV(context.Background(), st, strings.NewReader(csv), "colors", 0)
	require.NoError(t, err)
	require.Len(t, schema.Columns, 1)
	assert.Len(t, schema.Columns[0].ExampleValues, 3)
}
