package query

import (
	"fmt"
	"strings"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
)

// Compiled is the emitted, ready-to-run statement: parameterized SQL plus
// positional arguments, and the clamped row limit the executor uses to
// decide Table.Truncated.
type Compiled struct {
	SQL   string
	Args  []any
	Limit int // clamped value, without the +1 probe row
}

// Compile validates spec against ds's schema (shape, whitelist, schema
// binding, type compatibility, then derived expressions) and, on
// success, emits parameterized SQL. Any failure returns a *errs.Error
// with Code == BAD_SPEC and a field_path; no SQL is emitted in that case.
func Compile(ds *dataset.Dataset, spec QuerySpec) (*Compiled, error) {
	if err := validateShape(spec); err != nil {
		return nil, err
	}
	if err := validateWhitelist(spec); err != nil {
		return nil, err
	}
	if err := validateSchemaBinding(ds, spec); err != nil {
		return nil, err
	}
	if err := validateTypeCompatibility(ds, spec); err != nil {
		return nil, err
	}
	derivedASTs, err := validateDerived(ds, spec)
	if err != nil {
		return nil, err
	}

	limit := MaxRows
	if spec.Limit != nil {
		if *spec.Limit <= 0 {
			return nil, errs.Field(errs.BadSpec, "limit", "limit must be >= 1")
		}
		limit = *spec.Limit
		if limit > MaxRows {
			limit = MaxRows
		}
	}

	return emit(ds, spec, derivedASTs, limit), nil
}

func validateShape(spec QuerySpec) error {
	if spec.DatasetID == "" {
		return errs.Field(errs.BadSpec, "dataset_id", "dataset_id is required")
	}
	aliasSeen := map[string]bool{}
	for i, a := range spec.Aggregations {
		if !isIdentifier(a.As) {
			return errs.Field(errs.BadSpec, fmt.Sprintf("aggregations[%d].as", i), fmt.Sprintf("alias %q is not a valid identifier", a.As))
		}
		if aliasSeen[a.As] {
			return errs.Field(errs.BadSpec, fmt.Sprintf("aggregations[%d].as", i), fmt.Sprintf("duplicate alias %q", a.As))
		}
		aliasSeen[a.As] = true
	}
	for i, d := range spec.Derived {
		if !isIdentifier(d.As) {
			return errs.Field(errs.BadSpec, fmt.Sprintf("derived[%d].as", i), fmt.Sprintf("alias %q is not a valid identifier", d.As))
		}
		if aliasSeen[d.As] {
			return errs.Field(errs.BadSpec, fmt.Sprintf("derived[%d].as", i), fmt.Sprintf("duplicate alias %q", d.As))
		}
		aliasSeen[d.As] = true
	}
	for i, s := range spec.Sort {
		if s.Dir != "" && !strings.EqualFold(string(s.Dir), "asc") && !strings.EqualFold(string(s.Dir), "desc") {
			return errs.Field(errs.BadSpec, fmt.Sprintf("sort[%d].dir", i), fmt.Sprintf("invalid sort direction %q", s.Dir))
		}
	}
	return nil
}

func validateWhitelist(spec QuerySpec) error {
	for i, f := range spec.Filters {
		if !validOps[f.Op] {
			return errs.Field(errs.BadSpec, fmt.Sprintf("filters[%d].op", i), fmt.Sprintf("operator %q is not allowed", f.Op))
		}
	}
	for i, a := range spec.Aggregations {
		if !validAggs[a.Agg] {
			return errs.Field(errs.BadSpec, fmt.Sprintf("aggregations[%d].agg", i), fmt.Sprintf("aggregation %q is not allowed", a.Agg))
		}
		if a.Col == "*" && a.Agg != AggCount {
			return errs.Field(errs.BadSpec, fmt.Sprintf("aggregations[%d].col", i), `"*" is only valid with agg "count"`)
		}
	}
	return nil
}

func validateSchemaBinding(ds *dataset.Dataset, spec QuerySpec) error {
	for i, f := range spec.Filters {
		if _, ok := ds.Schema.Lookup(f.Col); !ok {
			return errs.Field(errs.BadSpec, fmt.Sprintf("filters[%d].col", i), fmt.Sprintf("unknown column %q", f.Col))
		}
	}
	for i, g := range spec.GroupBy {
		if _, ok := ds.Schema.Lookup(g); !ok {
			return errs.Field(errs.BadSpec, fmt.Sprintf("group_by[%d]", i), fmt.Sprintf("unknown column %q", g))
		}
	}
	for i, a := range spec.Aggregations {
		if a.Col == "*" {
			continue
		}
		if _, ok := ds.Schema.Lookup(a.Col); !ok {
			return errs.Field(errs.BadSpec, fmt.Sprintf("aggregations[%d].col", i), fmt.Sprintf("unknown column %q", a.Col))
		}
	}
	groupSet := map[string]bool{}
	for _, g := range spec.GroupBy {
		groupSet[g] = true
	}
	for i, s := range spec.Sort {
		aliasSet := map[string]bool{}
		for _, a := range spec.Aggregations {
			aliasSet[a.As] = true
		}
		for _, d := range spec.Derived {
			aliasSet[d.As] = true
		}
		if !groupSet[s.Col] && !aliasSet[s.Col] {
			return errs.Field(errs.BadSpec, fmt.Sprintf("sort[%d].col", i), fmt.Sprintf("%q is not a grouped column, aggregation alias, or derived alias", s.Col))
		}
	}
	return nil
}

func isNumericType(t dataset.ColumnType) bool {
	return t == dataset.TypeInt || t == dataset.TypeFloat
}

func isOrderableType(t dataset.ColumnType) bool {
	return t == dataset.TypeInt || t == dataset.TypeFloat || t == dataset.TypeDate || t == dataset.TypeDatetime || t == dataset.TypeString
}

func validateTypeCompatibility(ds *dataset.Dataset, spec QuerySpec) error {
	for i, f := range spec.Filters {
		col, _ := ds.Schema.Lookup(f.Col)
		path := fmt.Sprintf("filters[%d]", i)
		switch f.Op {
		case OpBetween:
			list, ok := f.Value.([]any)
			if !ok || len(list) != 2 {
				return errs.Field(errs.BadSpec, path+".value", "between requires a two-element list")
			}
			for _, v := range list {
				if !valueMatchesType(v, col.Type) {
					return errs.Field(errs.BadSpec, path+".value", fmt.Sprintf("value is not comparable with column %q's type", col.Name))
				}
			}
		case OpIn:
			list, ok := f.Value.([]any)
			if !ok || len(list) == 0 {
				return errs.Field(errs.BadSpec, path+".value", "in requires a non-empty list")
			}
			for _, v := range list {
				if !valueMatchesType(v, col.Type) {
					return errs.Field(errs.BadSpec, path+".value", fmt.Sprintf("heterogeneous value in list for column %q", col.Name))
				}
			}
		case OpContains:
			if col.Type != dataset.TypeString {
				return errs.Field(errs.BadSpec, path+".col", fmt.Sprintf("contains requires a string column, got %q", col.Type))
			}
			if _, ok := f.Value.(string); !ok {
				return errs.Field(errs.BadSpec, path+".value", "contains requires a string value")
			}
		case OpIsNull:
			// no value required
		default:
			if f.Value == nil {
				return errs.Field(errs.BadSpec, path+".value", "value is required for this operator")
			}
			if !valueMatchesType(f.Value, col.Type) {
				return errs.Field(errs.BadSpec, path+".value", fmt.Sprintf("value is not comparable with column %q's type", col.Name))
			}
		}
	}

	for i, a := range spec.Aggregations {
		path := fmt.Sprintf("aggregations[%d]", i)
		if a.Col == "*" {
			continue
		}
		col, _ := ds.Schema.Lookup(a.Col)
		switch a.Agg {
		case AggSum, AggAvg:
			if !isNumericType(col.Type) {
				return errs.Field(errs.BadSpec, path+".col", fmt.Sprintf("%s requires a numeric column, got %q", a.Agg, col.Type))
			}
		case AggMin, AggMax:
			if !isOrderableType(col.Type) {
				return errs.Field(errs.BadSpec, path+".col", fmt.Sprintf("%s requires an orderable column, got %q", a.Agg, col.Type))
			}
		case AggCount, AggNUniq:
			// any column, or "*" for count
		}
	}

	if len(spec.GroupBy) == 0 && len(spec.Aggregations) > 0 {
		// single-row result: nothing further to validate here, the SQL
		// emitter simply omits GROUP BY.
	}

	return nil
}

func valueMatchesType(v any, t dataset.ColumnType) bool {
	switch t {
	case dataset.TypeInt, dataset.TypeFloat:
		switch v.(type) {
		case float64, int, int64:
			return true
		default:
			return false
		}
	case dataset.TypeBool:
		_, ok := v.(bool)
		return ok
	case dataset.TypeString, dataset.TypeDate, dataset.TypeDatetime:
		_, ok := v.(string)
		return ok
	}
	return false
}

// validateDerived runs the recursive-descent parser over every derived
// expression and resolves each identifier to a prior aggregation alias,
// a grouped-by column, or the alias of an earlier derived expression.
func validateDerived(ds *dataset.Dataset, spec QuerySpec) (map[string]exprNode, error) {
	allowed := map[string]bool{}
	for _, g := range spec.GroupBy {
		allowed[g] = true
	}
	for _, a := range spec.Aggregations {
		allowed[a.As] = true
	}

	out := make(map[string]exprNode, len(spec.Derived))
	for i, d := range spec.Derived {
		path := fmt.Sprintf("derived[%d].expr", i)
		node, err := parseDerivedExpr(d.Expr)
		if err != nil {
			if e, ok := err.(*errs.Error); ok {
				e.FieldPath = path
			}
			return nil, err
		}
		var idents []string
		collectIdents(node, &idents)
		for _, id := range idents {
			if !allowed[id] {
				return nil, errs.Field(errs.BadSpec, path, fmt.Sprintf("unknown identifier %q: must be a prior aggregation alias or grouped-by column", id))
			}
		}
		out[d.As] = node
		allowed[d.As] = true // a later derived may reference an earlier one's alias
	}
	return out, nil
}

// emit builds the final SQL string: an inner aggregation subquery so
// derived expressions in the outer SELECT can reference SELECT-list
// aliases, a WHERE clause of AND-joined parameterized predicates, and
// LIMIT = clamped limit + 1 probe row.
func emit(ds *dataset.Dataset, spec QuerySpec, derivedASTs map[string]exprNode, limit int) *Compiled {
	var args []any

	whereSQL, whereArgs := emitWhere(spec.Filters, ds)
	args = append(args, whereArgs...)

	hasAgg := len(spec.Aggregations) > 0 || len(spec.Derived) > 0

	var innerSelect []string
	for _, g := range spec.GroupBy {
		innerSelect = append(innerSelect, quoteIdent(g))
	}
	for _, a := range spec.Aggregations {
		innerSelect = append(innerSelect, fmt.Sprintf("%s AS %s", emitAgg(a), quoteIdent(a.As)))
	}
	if len(innerSelect) == 0 {
		innerSelect = []string{"*"}
	}

	inner := strings.Builder{}
	inner.WriteString("SELECT ")
	inner.WriteString(strings.Join(innerSelect, ", "))
	inner.WriteString(fmt.Sprintf(" FROM %s", quoteIdent(ds.TableName)))
	if whereSQL != "" {
		inner.WriteString(" WHERE ")
		inner.WriteString(whereSQL)
	}
	if hasAgg && len(spec.GroupBy) > 0 {
		groupCols := make([]string, len(spec.GroupBy))
		for i, g := range spec.GroupBy {
			groupCols[i] = quoteIdent(g)
		}
		inner.WriteString(" GROUP BY ")
		inner.WriteString(strings.Join(groupCols, ", "))
	}

	if len(spec.Derived) == 0 {
		// No outer projection needed; the inner query is the whole
		// statement, with ORDER BY/LIMIT applied directly.
		sql := inner.String()
		sql += emitOrderBy(spec.Sort)
		sql += fmt.Sprintf(" LIMIT %d", limit+1)
		return &Compiled{SQL: sql, Args: args, Limit: limit}
	}

	var outerSelect []string
	for _, g := range spec.GroupBy {
		outerSelect = append(outerSelect, quoteIdent(g))
	}
	for _, a := range spec.Aggregations {
		outerSelect = append(outerSelect, quoteIdent(a.As))
	}
	// Each derived expression references columns by name, never by
	// inlining another derived's AST: grouped columns and aggregation
	// aliases come from the inner subquery, and an earlier derived alias
	// is a select-list alias of this outer SELECT. validateDerived rejects
	// a reference to a later derived, so declaration order matters.
	derivedSQL := make([]string, 0, len(spec.Derived))
	for _, d := range spec.Derived {
		derivedSQL = append(derivedSQL, fmt.Sprintf("%s AS %s", serializeExpr(derivedASTs[d.As]), quoteIdent(d.As)))
	}
	outerSelect = append(outerSelect, derivedSQL...)

	sql := fmt.Sprintf("SELECT %s FROM (%s) AS agg", strings.Join(outerSelect, ", "), inner.String())
	sql += emitOrderBy(spec.Sort)
	sql += fmt.Sprintf(" LIMIT %d", limit+1)
	return &Compiled{SQL: sql, Args: args, Limit: limit}
}

func emitAgg(a Agg) string {
	col := "*"
	if a.Col != "*" {
		col = quoteIdent(a.Col)
	}
	switch a.Agg {
	case AggNUniq:
		return fmt.Sprintf("COUNT(DISTINCT %s)", col)
	default:
		return fmt.Sprintf("%s(%s)", strings.ToUpper(string(a.Agg)), col)
	}
}

func emitWhere(filters []FilterCondition, ds *dataset.Dataset) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for _, f := range filters {
		ident := quoteIdent(f.Col)
		switch f.Op {
		case OpIsNull:
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", ident))
		case OpIn:
			list := f.Value.([]any)
			placeholders := make([]string, len(list))
			for i, v := range list {
				placeholders[i] = "?"
				args = append(args, v)
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", ident, strings.Join(placeholders, ", ")))
		case OpBetween:
			list := f.Value.([]any)
			clauses = append(clauses, fmt.Sprintf("%s BETWEEN ? AND ?", ident))
			args = append(args, list[0], list[1])
		case OpContains:
			s := f.Value.(string)
			escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(s)
			clauses = append(clauses, fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, ident))
			args = append(args, "%"+escaped+"%")
		default:
			clauses = append(clauses, fmt.Sprintf("%s %s ?", ident, f.Op))
			args = append(args, f.Value)
		}
	}
	return strings.Join(clauses, " AND "), args
}

func emitOrderBy(sort []SortItem) string {
	if len(sort) == 0 {
		return ""
	}
	items := make([]string, len(sort))
	for i, s := range sort {
		dir := "ASC"
		if strings.EqualFold(string(s.Dir), "desc") {
			dir = "DESC"
		}
		items[i] = fmt.Sprintf("%s %s", quoteIdent(s.Col), dir)
	}
	return " ORDER BY " + strings.Join(items, ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
