package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the kind of row change
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Price movement derived from an UPDATE
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Event is a row-change notification. Old is empty for inserts, New for deletes.
type Event struct {
	Table           string                 `json:"table"`
	Type            EventType              `json:"type"`
	Old             map[string]interface{} `json:"old,omitempty"`
	New             map[string]interface{} `json:"new,omitempty"`
	CommitTimestamp time.Time              `json:"commit_timestamp"`
}

// NewEvent builds an event from row values, using their JSON field names as columns
func NewEvent(table string, typ EventType, oldRow, newRow interface{}) (Event, error) {
	e := Event{
		Table:           table,
		Type:            typ,
		CommitTimestamp: time.Now().UTC(),
	}

	var err error
	if oldRow != nil {
		if e.Old, err = toRecord(oldRow); err != nil {
			return Event{}, fmt.Errorf("encode old %s row: %w", table, err)
		}
	}
	if newRow != nil {
		if e.New, err = toRecord(newRow); err != nil {
			return Event{}, fmt.Errorf("encode new %s row: %w", table, err)
		}
	}
	return e, nil
}

func toRecord(row interface{}) (map[string]interface{}, error) {
	if m, ok := row.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Field returns a column value, preferring the new row
func (e Event) Field(name string) (interface{}, bool) {
	if v, ok := e.New[name]; ok {
		return v, true
	}
	v, ok := e.Old[name]
	return v, ok
}

// Changed reports whether column differs between the old and new row.
// Inserts and deletes count as a change of every column they carry.
func (e Event) Changed(column string) bool {
	switch e.Type {
	case EventInsert:
		_, ok := e.New[column]
		return ok
	case EventDelete:
		_, ok := e.Old[column]
		return ok
	}
	oldV, oldOK := e.Old[column]
	newV, newOK := e.New[column]
	if oldOK != newOK {
		return true
	}
	return fmt.Sprint(oldV) != fmt.Sprint(newV)
}

// Direction compares a numeric column before and after an update
func (e Event) Direction(column string) string {
	if e.Type != EventUpdate {
		return ""
	}
	before, ok := number(e.Old[column])
	if !ok {
		return ""
	}
	after, ok := number(e.New[column])
	if !ok {
		return ""
	}
	switch {
	case after > before:
		return DirectionUp
	case after < before:
		return DirectionDown
	default:
		return ""
	}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
