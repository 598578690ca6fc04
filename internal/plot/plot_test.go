package plot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raindrop/tabagent/internal/store"
)

func sampleTable() store.Table {
	return store.Table{
		Columns: []string{"month", "account", "quality_rate"},
		Rows: [][]any{
			{"2025-01", "acme", 0.9},
			{"2025-02", "acme", 0.85},
			{"2025-01", "globex", 0.7},
		},
	}
}

func TestNormalize_LineWithSeriesPivots(t *testing.T) {
	out, err := Normalize(sampleTable(), Spec{
		ChartType: Line, Title: "trend", X: "month", Y: "quality_rate", Series: "account",
	})
	require.NoError(t, err)
	assert.Len(t, out.Option.Series, 2)
	assert.True(t, out.Option.Legend)
}

func TestNormalize_PieIgnoresSeries(t *testing.T) {
	out, err := Normalize(sampleTable(), Spec{
		ChartType: Pie, Title: "share", X: "account", Y: "quality_rate", Series: "month",
	})
	require.NoError(t, err)
	assert.Len(t, out.Option.Series, 1)
}

func TestNormalize_UnknownColumnRejected(t *testing.T) {
	_, err := Normalize(sampleTable(), Spec{ChartType: Bar, X: "nope", Y: "quality_rate"})
	require.Error(t, err)
}

func TestNormalize_UnsupportedChartTypeRejected(t *testing.T) {
	_, err := Normalize(sampleTable(), Spec{ChartType: "radar", X: "month", Y: "quality_rate"})
	require.Error(t, err)
}
