// Package dataset implements the Dataset Registry (component A): it maps
// a dataset_id to a stored DuckDB table plus its column schema and
// summary stats, and owns the process-lifetime-or-TTL lifecycle.
package dataset

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/store"
)

// ColumnType is the closed set of scalar types a column may have.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeString   ColumnType = "string"
	TypeDate     ColumnType = "date"
	TypeDatetime ColumnType = "datetime"
	TypeBool     ColumnType = "bool"
)

// Column describes one column of a registered Dataset.
type Column struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	NullRatio     float64    `json:"null_ratio"`
	ExampleValues []string   `json:"example_values"`
}

// Schema is the ordered column list of a Dataset.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Lookup returns the column with the given name, or false if absent.
// Column names are opaque labels matched by exact string equality.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Dataset is immutable after registration.
type Dataset struct {
	ID        string
	TableName string
	Schema    Schema
	RowCount  int
	CreatedAt time.Time
}

// Registry is a process-wide, concurrency-safe map from dataset_id to
// Dataset. Readers never take a lock on an immutable, already-published
// schema; register takes the cache's own internal lock.
//
// Entries expire after ttl (0 disables expiry, i.e. process-lifetime),
// at which point the backing DuckDB table is dropped — the "garbage
// collectable by age" lifecycle.
type Registry struct {
	store *store.Store
	cache *ttlcache.Cache[string, *Dataset]
	mu    sync.Mutex // guards dataset_id allocation only
}

// NewRegistry builds a Registry backed by st. A zero ttl means entries
// never expire. Registry has no explicit delete; expiry is the only way an
// entry and its table are removed.
func NewRegistry(st *store.Store, ttl time.Duration) *Registry {
	opts := []ttlcache.Option[string, *Dataset]{}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *Dataset](ttl))
	}
	cache := ttlcache.New[string, *Dataset](opts...)

	r := &Registry{store: st, cache: cache}
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Dataset]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		ds := item.Value()
		_ = st.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, ds.TableName), nil, 5*time.Second)
	})
	go cache.Start()
	return r
}

// Register publishes a new Dataset. tableName must already exist in the
// Analytical Store (the ingest collaborator creates it); Register only
// records the schema alongside it.
func (r *Registry) Register(tableName string, schema Schema, rowCount int) (string, error) {
	if err := validateSchema(schema); err != nil {
		return "", err
	}
	r.mu.Lock()
	id := uuid.NewString()
	r.mu.Unlock()

	ds := &Dataset{
		ID:        id,
		TableName: tableName,
		Schema:    schema,
		RowCount:  rowCount,
		CreatedAt: time.Now(),
	}
	r.cache.Set(id, ds, ttlcache.DefaultTTL)
	return id, nil
}

func validateSchema(schema Schema) error {
	seen := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		if seen[c.Name] {
			return errs.Field(errs.BadSpec, "schema.columns", fmt.Sprintf("duplicate column name %q", c.Name))
		}
		seen[c.Name] = true
	}
	return nil
}

// Get returns the Dataset for id, or DATASET_NOT_FOUND.
func (r *Registry) Get(id string) (*Dataset, error) {
	item := r.cache.Get(id)
	if item == nil {
		return nil, errs.New(errs.DatasetNotFound, fmt.Sprintf("unknown dataset_id %q", id))
	}
	return item.Value(), nil
}

// Exists reports whether id names a registered, non-expired Dataset.
func (r *Registry) Exists(id string) bool {
	return r.cache.Get(id) != nil
}

// GetSchema returns just the Schema, the payload of the get_schema tool.
func (r *Registry) GetSchema(id string) (Schema, error) {
	ds, err := r.Get(id)
	if err != nil {
		return Schema{}, err
	}
	return ds.Schema, nil
}

// Sample returns a deterministic prefix of n rows (n clamped to 100),
// optionally restricted to columns. It is not a random sample — sampling
// must be reproducible.
func (r *Registry) Sample(ctx context.Context, id string, n int, columns []string, timeout time.Duration) (store.Table, error) {
	ds, err := r.Get(id)
	if err != nil {
		return store.Table{}, err
	}
	if n <= 0 || n > 100 {
		n = 100
	}

	selectCols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			if _, ok := ds.Schema.Lookup(c); !ok {
				return store.Table{}, errs.Field(errs.ColumnNotFound, fmt.Sprintf("columns[%d]", i), fmt.Sprintf("unknown column %q", c))
			}
			quoted[i] = quoteIdent(c)
		}
		selectCols = joinComma(quoted)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s LIMIT %d`, selectCols, quoteIdent(ds.TableName), n)
	return r.store.Query(ctx, q, nil, timeout)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinComma(items []string) string {
	return strings.Join(items, ", ")
}
