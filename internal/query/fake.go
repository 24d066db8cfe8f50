package query

import (
	"context"
	"sync"
)

// FakeFinder serves canned results keyed by request name. Requests without a
// canned result resolve empty. When Deferred is set, futures stay pending
// until Settle is called.
type FakeFinder struct {
	mu       sync.Mutex
	results  map[string][]Row
	errs     map[string]error
	requests []Request
	pending  []pendingFind
	Deferred bool
}

// NewFakeFinder constructs an empty fake.
func NewFakeFinder() *FakeFinder {
	return &FakeFinder{results: make(map[string][]Row), errs: make(map[string]error)}
}

// Set registers rows for a request name.
func (f *FakeFinder) Set(name string, rows ...Row) *FakeFinder {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = rows
	return f
}

// SetRecords is Set for plain records.
func (f *FakeFinder) SetRecords(name string, recs ...Record) *FakeFinder {
	rows := make([]Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, r)
	}
	return f.Set(name, rows...)
}

// Fail registers an error for a request name.
func (f *FakeFinder) Fail(name string, err error) *FakeFinder {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
	return f
}

// Requests returns the requests issued so far.
func (f *FakeFinder) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestNames returns the names of the requests issued so far.
func (f *FakeFinder) RequestNames() []string {
	reqs := f.Requests()
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Name)
	}
	return out
}

// Find implements Finder.
func (f *FakeFinder) Find(_ context.Context, req Request) *Future {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	rows := f.results[req.Name]
	err := f.errs[req.Name]
	fut := NewFuture(nil)
	if f.Deferred {
		f.pending = append(f.pending, pendingFind{req: req, fut: fut})
		f.mu.Unlock()
		return fut
	}
	f.mu.Unlock()
	if err != nil {
		fut.Reject(err)
	} else {
		fut.Resolve(rows)
	}
	return fut
}

// Settle resolves the oldest pending future with the results registered for
// its request name. It reports false when nothing is pending.
func (f *FakeFinder) Settle() bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	next := f.pending[0]
	f.pending = f.pending[1:]
	rows := f.results[next.req.Name]
	err := f.errs[next.req.Name]
	f.mu.Unlock()
	if err != nil {
		next.fut.Reject(err)
	} else {
		next.fut.Resolve(rows)
	}
	return true
}

type pendingFind struct {
	req Request
	fut *Future
}
