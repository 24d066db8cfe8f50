// Package changeset turns serial entry rows into root and child persistence
// instructions.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrStoreUnavailable indicates the persistence dependency is not reachable.
var ErrStoreUnavailable = errors.New("changeset: store unavailable")

// NewRecordID marks a row that has no persisted destination record yet.
const NewRecordID = "new"

// RootChild is the Child value of a root record.
const RootChild = -1

// Mode is the persistence instruction of a record.
type Mode int

const (
	ModeInsert Mode = iota
	ModeUpdate
	ModeDelete
	ModeSync
)

func (m Mode) String() string {
	switch m {
	case ModeInsert:
		return "insert"
	case ModeUpdate:
		return "update"
	case ModeDelete:
		return "delete"
	case ModeSync:
		return "sync"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "insert":
		*m = ModeInsert
	case "update":
		*m = ModeUpdate
	case "delete":
		*m = ModeDelete
	case "sync":
		*m = ModeSync
	default:
		return fmt.Errorf("changeset: unknown mode %q", string(b))
	}
	return nil
}

// Persisted reports whether id names a stored record.
func Persisted(id string) bool { return id != "" && id != NewRecordID }

// Field is one written field value.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Link ties a record to another record.
type Link struct {
	InfoArea string `json:"info_area"`
	RecordID string `json:"record_id"`
}

// Record is a single root or child persistence instruction.
type Record struct {
	InfoArea string `json:"info_area"`
	RecordID string `json:"record_id"`
	Mode     Mode   `json:"mode"`
	// Child is the child relation index, RootChild for the root record.
	Child  int     `json:"child"`
	Fields []Field `json:"fields,omitempty"`
	Links  []Link  `json:"links,omitempty"`
	// HasValues reports whether at least one field differs from its stored value.
	HasValues bool `json:"has_values"`
}

// IsRoot reports whether r is the root record.
func (r Record) IsRoot() bool { return r.Child == RootChild }

// Set writes a field value, replacing an earlier write of the same field.
func (r *Record) Set(name, v string) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}

// Value returns the written value of name.
func (r Record) Value(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// RowChanges groups the records produced for one row.
type RowChanges struct {
	RowKey  string   `json:"row_key"`
	Records []Record `json:"records"`
}

// Batch is one submission to the persistence collaborator.
type Batch struct {
	ID   string       `json:"id"`
	Rows []RowChanges `json:"rows"`
}

// Result is the asynchronous confirmation of a Batch. Err reports a failure of
// the whole batch; RowErrs carries row-specific failures keyed by row key.
type Result struct {
	BatchID string
	Err     error
	RowErrs map[string]error
}

// Persister accepts batches and reports the outcome through done exactly once.
type Persister interface {
	Submit(ctx context.Context, b Batch, done func(Result))
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, b Batch, done func(Result))

// Submit implements Persister.
func (f PersisterFunc) Submit(ctx context.Context, b Batch, done func(Result)) { f(ctx, b, done) }
