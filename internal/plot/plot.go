// Package plot implements the Plot Spec Normaliser (component C): it
// consumes the most recent query Table and a PlotSpec and emits a
// renderer-agnostic chart description.
package plot

import (
	"fmt"

	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/store"
)

// ChartType is the closed set of supported chart types.
type ChartType string

const (
	Line    ChartType = "line"
	Bar     ChartType = "bar"
	Pie     ChartType = "pie"
	Scatter ChartType = "scatter"
	Area    ChartType = "area"
)

var validChartTypes = map[ChartType]bool{
	Line: true, Bar: true, Pie: true, Scatter: true, Area: true,
}

// YFormat controls the percent-vs-plain rendering hint.
type YFormat string

const (
	FormatPlain   YFormat = "plain"
	FormatPercent YFormat = "percent"
)

// Spec is the PlotSpec the LLM emits via the plot tool.
type Spec struct {
	ChartType ChartType `json:"chart_type"`
	Title     string    `json:"title"`
	X         string    `json:"x"`
	Y         string    `json:"y"`
	Series    string    `json:"series,omitempty"`
	YFormat   YFormat   `json:"y_format,omitempty"`
}

// Series is one renderer-neutral data series.
type Series struct {
	Name string  `json:"name,omitempty"`
	X    []any   `json:"x"`
	Y    []any   `json:"y"`
}

// Option is the renderer-neutral chart description: axis definitions,
// series arrays, legend, and optional percent formatting.
type Option struct {
	XAxis    string   `json:"x_axis"`
	YAxis    string   `json:"y_axis"`
	YFormat  YFormat  `json:"y_format,omitempty"`
	Legend   bool     `json:"legend"`
	Series   []Series `json:"series"`
}

// ChartOutput is the plot tool's success payload.
type ChartOutput struct {
	Type   ChartType `json:"type"`
	Title  string    `json:"title"`
	Option Option    `json:"option"`
}

// Normalize builds a ChartOutput from table and spec.
func Normalize(table store.Table, spec Spec) (*ChartOutput, error) {
	if !validChartTypes[spec.ChartType] {
		return nil, errs.Field(errs.BadPlot, "chart_type", fmt.Sprintf("unsupported chart type %q", spec.ChartType))
	}

	colIdx := make(map[string]int, len(table.Columns))
	for i, c := range table.Columns {
		colIdx[c] = i
	}

	xIdx, ok := colIdx[spec.X]
	if !ok {
		return nil, errs.Field(errs.BadPlot, "x", fmt.Sprintf("column %q not present in query result", spec.X))
	}
	yIdx, ok := colIdx[spec.Y]
	if !ok {
		return nil, errs.Field(errs.BadPlot, "y", fmt.Sprintf("column %q not present in query result", spec.Y))
	}

	if spec.ChartType == Pie {
		return normalizePie(table, spec, xIdx, yIdx), nil
	}

	if spec.Series == "" {
		return normalizeUnserised(table, spec, xIdx, yIdx), nil
	}

	seriesIdx, ok := colIdx[spec.Series]
	if !ok {
		return nil, errs.Field(errs.BadPlot, "series", fmt.Sprintf("column %q not present in query result", spec.Series))
	}
	return normalizePivoted(table, spec, xIdx, yIdx, seriesIdx), nil
}

func normalizePie(table store.Table, spec Spec, xIdx, yIdx int) *ChartOutput {
	s := Series{X: make([]any, 0, len(table.Rows)), Y: make([]any, 0, len(table.Rows))}
	for _, row := range table.Rows {
		s.X = append(s.X, row[xIdx])
		s.Y = append(s.Y, row[yIdx])
	}
	return &ChartOutput{
		Type:  Pie,
		Title: spec.Title,
		Option: Option{
			XAxis:   spec.X,
			YAxis:   spec.Y,
			YFormat: spec.YFormat,
			Legend:  true,
			Series:  []Series{s},
		},
	}
}

func normalizeUnserised(table store.Table, spec Spec, xIdx, yIdx int) *ChartOutput {
	s := Series{X: make([]any, 0, len(table.Rows)), Y: make([]any, 0, len(table.Rows))}
	for _, row := range table.Rows {
		s.X = append(s.X, row[xIdx])
		s.Y = append(s.Y, row[yIdx])
	}
	return &ChartOutput{
		Type:  spec.ChartType,
		Title: spec.Title,
		Option: Option{
			XAxis:   spec.X,
			YAxis:   spec.Y,
			YFormat: spec.YFormat,
			Legend:  false,
			Series:  []Series{s},
		},
	}
}

// normalizePivoted pivots the table so each distinct series value becomes
// its own Series over the shared x domain.
func normalizePivoted(table store.Table, spec Spec, xIdx, yIdx, seriesIdx int) *ChartOutput {
	order := []string{}
	byName := map[string]*Series{}
	for _, row := range table.Rows {
		name := fmt.Sprintf("%v", row[seriesIdx])
		s, ok := byName[name]
		if !ok {
			s = &Series{Name: name}
			byName[name] = s
			order = append(order, name)
		}
		s.X = append(s.X, row[xIdx])
		s.Y = append(s.Y, row[yIdx])
	}
	series := make([]Series, 0, len(order))
	for _, name := range order {
		series = append(series, *byName[name])
	}
	return &ChartOutput{
		Type:  spec.ChartType,
		Title: spec.Title,
		Option: Option{
			XAxis:   spec.X,
			YAxis:   spec.Y,
			YFormat: spec.YFormat,
			Legend:  true,
			Series:  series,
		},
	}
}
