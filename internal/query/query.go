// Package query defines the boundary to the record store that delivers source
// rows, condition tables, listings and quota tallies.
package query

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/noah-isme/serial-entry/internal/value"
)

var (
	// ErrCancelled is delivered to waiters of a cancelled query.
	ErrCancelled = errors.New("query: cancelled")
	// ErrUnknownStatement is returned when a finder has no statement for the request name.
	ErrUnknownStatement = errors.New("query: unknown statement")
)

// Request describes a single query issued against the record store.
type Request struct {
	// Name identifies the configured search (e.g. "PricingCondition").
	Name string
	// InfoArea is the record type queried.
	InfoArea string
	// Fields lists the requested field names; result columns follow this order.
	Fields []string
	// Params are bound by the store; keys are case-sensitive.
	Params map[string]string
}

// CacheKey renders a stable identity for the request.
func (r Request) CacheKey() string {
	var b strings.Builder
	b.WriteString(r.Name)
	b.WriteByte('|')
	b.WriteString(r.InfoArea)
	b.WriteByte('|')
	b.WriteString(strings.Join(r.Fields, ","))
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.Params[k])
	}
	return b.String()
}

// Row is one result row.
type Row interface {
	// RawValue returns the wire string at column position i.
	RawValue(i int) string
	// Value returns the typed cell at column position i.
	Value(i int) value.Value
	// RecordID returns the record identity of the record feeding column i.
	RecordID(i int) string
	// RootRecordID identifies the owning (root) record of the row.
	RootRecordID() string
	// Len reports the number of columns.
	Len() int
}

// Record is the plain Row implementation used by all finders in this package.
type Record struct {
	Values    []string `json:"values"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Root      string   `json:"root"`
}

// RawValue implements Row.
func (r Record) RawValue(i int) string {
	if i < 0 || i >= len(r.Values) {
		return ""
	}
	return r.Values[i]
}

// Value implements Row.
func (r Record) Value(i int) value.Value {
	return value.Text(r.RawValue(i))
}

// RecordID implements Row. Columns without a dedicated id fall back to the root.
func (r Record) RecordID(i int) string {
	if i >= 0 && i < len(r.RecordIDs) && r.RecordIDs[i] != "" {
		return r.RecordIDs[i]
	}
	return r.Root
}

// RootRecordID implements Row.
func (r Record) RootRecordID() string { return r.Root }

// Len implements Row.
func (r Record) Len() int { return len(r.Values) }

// Finder issues queries. Each call yields exactly one Future.
type Finder interface {
	Find(ctx context.Context, req Request) *Future
}

// FinderFunc adapts a function to Finder.
type FinderFunc func(ctx context.Context, req Request) *Future

// Find implements Finder.
func (f FinderFunc) Find(ctx context.Context, req Request) *Future { return f(ctx, req) }

// Future is the single-shot completion of an issued query. It settles exactly
// once with rows, an error, or cancellation.
type Future struct {
	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	rows     []Row
	err      error
	handlers []func([]Row, error)
	onCancel func()
}

// NewFuture returns an unsettled future. cancel, when non-nil, is invoked once
// if the future is cancelled before settling.
func NewFuture(cancel func()) *Future {
	return &Future{done: make(chan struct{}), onCancel: cancel}
}

// Resolved returns a future already settled with rows.
func Resolved(rows []Row) *Future {
	f := NewFuture(nil)
	f.Resolve(rows)
	return f
}

// Failed returns a future already settled with err.
func Failed(err error) *Future {
	f := NewFuture(nil)
	f.Reject(err)
	return f
}

// Resolve settles the future with rows. It reports false if it was already settled.
func (f *Future) Resolve(rows []Row) bool { return f.settle(rows, nil) }

// Reject settles the future with err. It reports false if it was already settled.
func (f *Future) Reject(err error) bool {
	if err == nil {
		err = errors.New("query: rejected without error")
	}
	return f.settle(nil, err)
}

// Cancel settles the future with ErrCancelled. Registered continuations are
// not invoked for a cancelled query.
func (f *Future) Cancel() bool {
	settled := f.settle(nil, ErrCancelled)
	if settled && f.onCancel != nil {
		f.onCancel()
	}
	return settled
}

func (f *Future) settle(rows []Row, err error) bool {
	settled := false
	f.once.Do(func() {
		settled = true
		f.mu.Lock()
		f.rows = rows
		f.err = err
		handlers := f.handlers
		f.handlers = nil
		f.mu.Unlock()
		close(f.done)
		if errors.Is(err, ErrCancelled) {
			return
		}
		for _, h := range handlers {
			h(rows, err)
		}
	})
	return settled
}

// Then registers a continuation invoked once with the outcome. If the future
// already settled the continuation runs immediately on the caller's stack.
func (f *Future) Then(fn func([]Row, error)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	select {
	case <-f.done:
		rows, err := f.rows, f.err
		f.mu.Unlock()
		if !errors.Is(err, ErrCancelled) {
			fn(rows, err)
		}
		return
	default:
	}
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done. A ctx expiry cancels the query.
func (f *Future) Wait(ctx context.Context) ([]Row, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		<-f.done
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.err
}

// Cancelled reports whether the future settled through cancellation.
func (f *Future) Cancelled() bool {
	select {
	case <-f.done:
	default:
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Is(f.err, ErrCancelled)
}
