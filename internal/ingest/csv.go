// Package ingest implements the Ingest Collaborator (component K):
// loading an uploaded CSV into a fresh table in the Analytical Store and
// inferring the column schema the Dataset Registry publishes. This is
// explicitly outside the QuerySpec DSL's scope (spec.md Non-goals) but is
// required to produce a Dataset for the DSL to run against at all.
package ingest

import (
	"context"
	"database/sql/driver"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/store"
)

// sampleRows bounds how many rows LoadCSV inspects before committing to a
// column's inferred type; the rest of the file is trusted to match.
const sampleRows = 200

// LoadCSV streams r (already capped by the caller at the upload ceiling)
// into tableName via a DuckDB Appender, inferring each column's type by
// sampling, and returns the schema the Dataset Registry should publish.
// headerRow skips that many leading rows before treating a row as the
// header, for sources with a title block above the real header.
func LoadCSV(ctx context.Context, st *store.Store, r io.Reader, tableName string, headerRow int) (dataset.Schema, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	for i := 0; i < headerRow; i++ {
		if _, err := cr.Read(); err != nil {
			return dataset.Schema{}, 0, errs.New(errs.BadSpec, fmt.Sprintf("skip header_row %d: %v", headerRow, err))
		}
	}

	header, err := cr.Read()
	if err != nil {
		return dataset.Schema{}, 0, errs.New(errs.BadSpec, fmt.Sprintf("read CSV header: %v", err))
	}

	var buffered [][]string
	for len(buffered) < sampleRows {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return dataset.Schema{}, 0, errs.New(errs.BadSpec, fmt.Sprintf("read CSV row: %v", err))
		}
		buffered = append(buffered, rec)
	}

	types := inferTypes(header, buffered)
	if err := createTable(ctx, st, tableName, header, types); err != nil {
		return dataset.Schema{}, 0, err
	}

	rowCount, err := appendRows(ctx, st, tableName, header, types, buffered, cr)
	if err != nil {
		return dataset.Schema{}, 0, err
	}

	return buildSchema(header, types, buffered), rowCount, nil
}

func createTable(ctx context.Context, st *store.Store, tableName string, header []string, types []dataset.ColumnType) error {
	cols := make([]string, len(header))
	for i, name := range header {
		cols[i] = fmt.Sprintf(`"%s" %s`, name, sqlType(types[i]))
	}
	ddl := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, tableName, strings.Join(cols, ", "))
	return st.Exec(ctx, ddl, nil, 30*time.Second)
}

func sqlType(t dataset.ColumnType) string {
	switch t {
	case dataset.TypeInt:
		return "BIGINT"
	case dataset.TypeFloat:
		return "DOUBLE"
	case dataset.TypeBool:
		return "BOOLEAN"
	case dataset.TypeDate:
		return "DATE"
	case dataset.TypeDatetime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// appendRows replays the buffered sample and then streams the remainder of
// cr through a DuckDB Appender, the bulk-load path duckdb-go/v2 documents
// for this exact shape: many rows, known column order, no SQL round trip
// per row.
func appendRows(ctx context.Context, st *store.Store, tableName string, header []string, types []dataset.ColumnType, buffered [][]string, cr *csv.Reader) (int, error) {
	conn, err := st.DB().Conn(ctx)
	if err != nil {
		return 0, errs.New(errs.QueryFailed, err.Error())
	}
	defer conn.Close()

	var appender *duckdb.Appender
	err = conn.Raw(func(raw any) error {
		dconn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", raw)
		}
		a, err := duckdb.NewAppenderFromConn(dconn, "", tableName)
		if err != nil {
			return err
		}
		appender = a
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.QueryFailed, fmt.Sprintf("create appender: %v", err))
	}
	defer appender.Close()

	n := 0
	for _, rec := range buffered {
		if err := appendRow(appender, rec, types); err != nil {
			return n, err
		}
		n++
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, errs.New(errs.BadSpec, fmt.Sprintf("read CSV row: %v", err))
		}
		if err := appendRow(appender, rec, types); err != nil {
			return n, err
		}
		n++
	}
	if err := appender.Flush(); err != nil {
		return n, errs.New(errs.QueryFailed, fmt.Sprintf("flush appender: %v", err))
	}
	return n, nil
}

func appendRow(appender *duckdb.Appender, rec []string, types []dataset.ColumnType) error {
	values := make([]driver.Value, len(types))
	for i, t := range types {
		if i >= len(rec) || rec[i] == "" {
			values[i] = nil
			continue
		}
		v, err := convert(rec[i], t)
		if err != nil {
			return errs.New(errs.BadSpec, fmt.Sprintf("column %d: %v", i, err))
		}
		values[i] = v
	}
	return appender.AppendRow(values...)
}

func convert(raw string, t dataset.ColumnType) (any, error) {
	switch t {
	case dataset.TypeInt:
		return strconv.ParseInt(raw, 10, 64)
	case dataset.TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case dataset.TypeBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func inferTypes(header []string, rows [][]string) []dataset.ColumnType {
	types := make([]dataset.ColumnType, len(header))
	for i := range header {
		types[i] = inferColumn(i, rows)
	}
	return types
}

// inferColumn returns bool when every non-empty sampled value parses as a
// boolean other than "0"/"1" (true/false, t/f, ...). Otherwise it walks
// the sample and narrows from the most specific type (int) down to string
// the first time a value doesn't fit, so a column with one non-numeric
// outlier still loads instead of failing ingest.
func inferColumn(col int, rows [][]string) dataset.ColumnType {
	sawBool, allBool := false, true
	for _, rec := range rows {
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		if _, err := strconv.ParseBool(rec[col]); err != nil || rec[col] == "0" || rec[col] == "1" {
			allBool = false
			break
		}
		sawBool = true
	}
	if sawBool && allBool {
		return dataset.TypeBool
	}

	candidate := dataset.TypeInt
	for _, rec := range rows {
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		v := rec[col]
		switch candidate {
		case dataset.TypeInt:
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				continue
			}
			candidate = dataset.TypeFloat
			fallthrough
		case dataset.TypeFloat:
			if candidate == dataset.TypeFloat {
				if _, err := strconv.ParseFloat(v, 64); err == nil {
					continue
				}
				candidate = dataset.TypeString
			}
		}
		if candidate == dataset.TypeString {
			break
		}
	}
	return candidate
}

func buildSchema(header []string, types []dataset.ColumnType, rows [][]string) dataset.Schema {
	cols := make([]dataset.Column, len(header))
	for i, name := range header {
		cols[i] = dataset.Column{
			Name:          name,
			Type:          types[i],
			NullRatio:     nullRatio(i, rows),
			ExampleValues: exampleValues(i, rows),
		}
	}
	return dataset.Schema{Columns: cols}
}

func nullRatio(col int, rows [][]string) float64 {
	if len(rows) == 0 {
		return 0
	}
	empty := 0
	for _, rec := range rows {
		if col >= len(rec) || rec[col] == "" {
			empty++
		}
	}
	return float64(empty) / float64(len(rows))
}

func exampleValues(col int, rows [][]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, rec := range rows {
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		v := rec[col]
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if len(out) >= 3 {
			break
		}
	}
	return out
}
