// Package planner decides which parts of a relational query the Grist
// /records endpoint can satisfy and which must be applied locally on the
// returned rows.
//
// Pushdown rules:
//   - only equality filters on known columns go remote; every other
//     predicate form is residual
//   - a single-column sort on a known column goes remote; multi-column or
//     unknown-column sorts are applied locally
//   - the limit goes remote only when nothing runs locally afterwards:
//     residual filtering or local sorting would change which rows the first
//     N are, so the limit then moves after the local steps
//
// Whether work happens remotely or locally, the order is always filter,
// then sort, then limit.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/quarryhq/gristmill/pkg/schema"
)

// Op is a predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpIn
)

// String returns the SQL-ish spelling of the operator.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpIn:
		return "in"
	default:
		return "?"
	}
}

// Predicate is one filter condition of a query.
type Predicate struct {
	Column string
	Op     Op
	Value  any
	Values []any // populated for OpIn
}

// SortKey is one ORDER BY term.
type SortKey struct {
	Column     string
	Descending bool
}

// Query is the relational query description handed in by the embedding
// runtime for a single table scan.
type Query struct {
	Predicates []Predicate
	Sort       []SortKey
	Limit      int // <= 0 means no limit
}

// Plan is the split of a query into remote call parameters and residual
// local work. Built per query, discarded after use.
type Plan struct {
	RemoteFilters map[string][]any // column -> allowed values (equality only)
	RemoteSort    string           // "col" ascending, "-col" descending, "" none
	RemoteLimit   int              // 0 = none

	Residual   []Predicate
	LocalSort  []SortKey
	LocalLimit int // 0 = none
}

// NeedsLocalWork reports whether rows must be post-processed after the
// remote call.
func (p *Plan) NeedsLocalWork() bool {
	return len(p.Residual) > 0 || len(p.LocalSort) > 0 || p.LocalLimit > 0
}

// Signature returns the canonical form of the plan's remote parameters.
// Two plans share a signature iff they would produce the same remote
// response, which makes the signature the records cache key.
func (p *Plan) Signature() string {
	filters := "{}"
	if len(p.RemoteFilters) > 0 {
		// json.Marshal renders map keys in sorted order, so the encoding is
		// independent of filter insertion order.
		encoded, err := json.Marshal(p.RemoteFilters)
		if err == nil {
			filters = string(encoded)
		}
	}
	return fmt.Sprintf("filter=%s&sort=%s&limit=%d", filters, p.RemoteSort, p.RemoteLimit)
}

// Build constructs the pushdown plan for a query against the given table
// schema. Pure: no I/O, independent of the network.
func Build(desc *schema.Descriptor, q Query) Plan {
	plan := Plan{}

	for _, pred := range q.Predicates {
		if pred.Op == OpEq && desc.HasColumn(pred.Column) {
			if plan.RemoteFilters == nil {
				plan.RemoteFilters = map[string][]any{}
			}
			plan.RemoteFilters[pred.Column] = append(plan.RemoteFilters[pred.Column], pred.Value)
			continue
		}
		plan.Residual = append(plan.Residual, pred)
	}

	switch {
	case len(q.Sort) == 0:
	case len(q.Sort) == 1 && desc.HasColumn(q.Sort[0].Column):
		plan.RemoteSort = encodeSortKey(q.Sort[0])
	default:
		plan.LocalSort = q.Sort
	}

	if q.Limit > 0 {
		if len(plan.Residual) == 0 && len(plan.LocalSort) == 0 {
			plan.RemoteLimit = q.Limit
		} else {
			plan.LocalLimit = q.Limit
		}
	}

	return plan
}

func encodeSortKey(k SortKey) string {
	if k.Descending {
		return "-" + k.Column
	}
	return k.Column
}
