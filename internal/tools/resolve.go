package tools

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/raindrop/tabagent/internal/errs"
)

// maxCandidatesPerField bounds resolve_fields output so a wildly wrong
// guess doesn't flood the LLM's context with every column in the schema.
const maxCandidatesPerField = 5

type resolveFieldsArgs struct {
	DatasetID string   `json:"dataset_id"`
	Terms     []string `json:"terms"`
}

// match is one scored candidate: a schema column name plus how it was
// reached, so the LLM sees whether the resolution was exact-ish
// (substring) or best-effort (edit distance).
type match struct {
	Column   string `json:"column"`
	Distance int    `json:"distance"`
}

type resolveFieldsResult struct {
	MappedColumns map[string][]match `json:"mapped_columns"`
}

// resolveFields resolves each term: case-insensitive substring match
// first, falling back to Levenshtein distance against every schema column
// name when no substring hit exists.
func (e *Executor) resolveFields(raw json.RawMessage) (json.RawMessage, int, error) {
	var a resolveFieldsArgs
	_ = json.Unmarshal(raw, &a)

	schema, err := e.datasets.GetSchema(a.DatasetID)
	if err != nil {
		return nil, -1, err
	}
	if len(a.Terms) == 0 {
		return nil, -1, errs.Field(errs.BadToolArgs, "terms", "terms must be non-empty")
	}

	names := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		names[i] = c.Name
	}

	result := resolveFieldsResult{MappedColumns: make(map[string][]match, len(a.Terms))}
	for _, term := range a.Terms {
		result.MappedColumns[term] = resolveOne(term, names)
	}

	out, _ := json.Marshal(result)
	return out, len(result.MappedColumns), nil
}

func resolveOne(candidate string, names []string) []match {
	lc := strings.ToLower(candidate)

	var substringHits []match
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), lc) {
			substringHits = append(substringHits, match{Column: name, Distance: 0})
		}
	}
	if len(substringHits) > 0 {
		sort.Slice(substringHits, func(i, j int) bool { return substringHits[i].Column < substringHits[j].Column })
		return capAt(substringHits, maxCandidatesPerField)
	}

	scored := make([]match, len(names))
	for i, name := range names {
		scored[i] = match{Column: name, Distance: levenshtein(lc, strings.ToLower(name))}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Distance != scored[j].Distance {
			return scored[i].Distance < scored[j].Distance
		}
		return scored[i].Column < scored[j].Column
	})
	return capAt(scored, maxCandidatesPerField)
}

func capAt(m []match, n int) []match {
	if len(m) > n {
		return m[:n]
	}
	return m
}

// levenshtein computes edit distance with the classic single-row DP; field
// names are short enough that O(len(a)*len(b)) is immaterial.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
