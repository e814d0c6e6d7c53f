package realtime

import (
	"fmt"
	"strings"
)

// Filter selects events by table, changed column and an equality on one field.
// The text form is table[:column][?field=eq.value].
type Filter struct {
	Table  string
	Column string
	Field  string
	Value  string
}

// ParseFilter parses the text form of a filter
func ParseFilter(text string) (Filter, error) {
	var f Filter

	rest := strings.TrimSpace(text)
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		cond := rest[i+1:]
		rest = rest[:i]

		field, value, ok := strings.Cut(cond, "=eq.")
		if !ok || field == "" || value == "" {
			return Filter{}, fmt.Errorf("invalid filter condition %q, want field=eq.value", cond)
		}
		f.Field, f.Value = field, value
	}

	table, column, _ := strings.Cut(rest, ":")
	if table == "" {
		return Filter{}, fmt.Errorf("filter %q has no table", text)
	}
	f.Table, f.Column = table, column
	return f, nil
}

// String returns the text form of the filter
func (f Filter) String() string {
	var b strings.Builder
	b.WriteString(f.Table)
	if f.Column != "" {
		b.WriteByte(':')
		b.WriteString(f.Column)
	}
	if f.Field != "" {
		b.WriteByte('?')
		b.WriteString(f.Field)
		b.WriteString("=eq.")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e Event) bool {
	if f.Table != "*" && f.Table != e.Table {
		return false
	}
	if f.Column != "" && !e.Changed(f.Column) {
		return false
	}
	if f.Field != "" {
		v, ok := e.Field(f.Field)
		if !ok || fmt.Sprint(v) != f.Value {
			return false
		}
	}
	return true
}
