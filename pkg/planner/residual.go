package planner

import (
	"sort"
	"strings"
	"time"
)

// Row is one materialized record keyed by column name.
type Row map[string]any

// ApplyResidual runs the plan's local steps over rows: residual filters,
// then local sort, then local limit. The input slice is not modified;
// cached row sets are shared between queries.
func ApplyResidual(rows []Row, plan *Plan) []Row {
	out := rows
	copied := false
	if len(plan.Residual) > 0 {
		out = make([]Row, 0, len(rows))
		for _, row := range rows {
			if matchesAll(row, plan.Residual) {
				out = append(out, row)
			}
		}
		copied = true
	}

	if len(plan.LocalSort) > 0 {
		if !copied {
			out = append([]Row(nil), rows...)
		}
		sortRows(out, plan.LocalSort)
	}

	if plan.LocalLimit > 0 && len(out) > plan.LocalLimit {
		out = out[:plan.LocalLimit]
	}
	return out
}

func matchesAll(row Row, preds []Predicate) bool {
	for _, pred := range preds {
		if !matches(row, pred) {
			return false
		}
	}
	return true
}

func matches(row Row, pred Predicate) bool {
	value, ok := row[pred.Column]
	if !ok {
		return false
	}

	switch pred.Op {
	case OpEq:
		return equalValues(value, pred.Value)
	case OpNe:
		return !equalValues(value, pred.Value)
	case OpIn:
		for _, candidate := range pred.Values {
			if equalValues(value, candidate) {
				return true
			}
		}
		return false
	case OpGt, OpGe, OpLt, OpLe:
		cmp, comparable := compareValues(value, pred.Value)
		if !comparable {
			return false
		}
		switch pred.Op {
		case OpGt:
			return cmp > 0
		case OpGe:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return a == b
}

// compareValues orders two cell values when they are of compatible kinds.
// Numeric kinds compare as float64 so int filters match float cells.
func compareValues(a, b any) (int, bool) {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// sortRows orders rows by the sort keys in priority order. Nil cells sort
// before everything else; incomparable pairs keep their input order.
func sortRows(rows []Row, keys []SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			a, b := rows[i][key.Column], rows[j][key.Column]
			cmp := orderNullsFirst(a, b)
			if cmp == 0 {
				continue
			}
			if key.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func orderNullsFirst(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if cmp, ok := compareValues(a, b); ok {
		return cmp
	}
	return 0
}
