// Package schema maps Grist column types onto the logical field types the
// query runtime consumes, and normalizes raw cell values into them.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogicalType is the field-type vocabulary presented to the query runtime.
type LogicalType int

const (
	TypeString LogicalType = iota
	TypeInteger
	TypeFloat
	TypeBool
	TypeDate
	TypeDateTime
)

// String returns the lowercase name of the logical type.
func (t LogicalType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	case TypeDateTime:
		return "datetime"
	default:
		return "string"
	}
}

// Temporal reports whether values of this type are points in time.
func (t LogicalType) Temporal() bool {
	return t == TypeDate || t == TypeDateTime
}

// Column is one column of a table schema. Name is the column id; Label is
// the human-facing label when the remote schema carries one.
type Column struct {
	Name      string      `json:"name"`
	Label     string      `json:"label,omitempty"`
	GristType string      `json:"grist_type"`
	Nullable  bool        `json:"nullable"`
	Type      LogicalType `json:"type"`
}

// Descriptor is the ordered schema of one table. Column order is the order
// reported by the remote API and is stable for the lifetime of a cache entry.
type Descriptor struct {
	Columns []Column `json:"columns"`
}

// Lookup returns the column with the given name, if present.
func (d *Descriptor) Lookup(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the schema contains the named column.
func (d *Descriptor) HasColumn(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

// MapType converts an official Grist column type into a logical type.
// Unrecognized types map to string: schemas evolve, and an unknown type must
// degrade gracefully rather than break the query.
func MapType(gristType string) LogicalType {
	t := strings.ToLower(strings.TrimSpace(gristType))
	switch {
	case t == "text", t == "choice", t == "choicelist", t == "attachments":
		return TypeString
	case strings.HasPrefix(t, "ref:"), strings.HasPrefix(t, "reflist:"):
		return TypeString
	case strings.HasPrefix(t, "int"):
		return TypeInteger
	case t == "numeric":
		return TypeFloat
	case t == "bool":
		return TypeBool
	case t == "date":
		return TypeDate
	case strings.HasPrefix(t, "datetime"):
		return TypeDateTime
	default:
		return TypeString
	}
}

// NormalizeValue converts a raw cell value from the records endpoint into its
// logical representation:
//   - Date/DateTime cells arrive as Unix timestamps and become time.Time (UTC)
//   - list cells arrive as ["L", v1, v2, ...] and flatten to a comma-joined string
//   - everything else passes through unchanged
//
// Nil stays nil regardless of type.
func NormalizeValue(t LogicalType, raw any) any {
	if raw == nil {
		return nil
	}

	if t.Temporal() {
		if secs, ok := asInt64(raw); ok {
			return time.Unix(secs, 0).UTC()
		}
		return raw
	}

	if list, ok := raw.([]any); ok {
		// First element is the "L" marker Grist uses for list cells.
		items := list
		if len(items) > 0 {
			if marker, ok := items[0].(string); ok && marker == "L" {
				items = items[1:]
			}
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	}

	return raw
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(v)
	}
}
