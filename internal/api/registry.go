// Package api serves serial entry sessions over HTTP. Sessions live in memory
// on the instance that opened them; saves travel through the change-set queue.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/serialentry"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted session ids.
	ErrSessionNotFound = errors.New("api: session not found")
	// ErrPendingSave is returned when a session with unconfirmed batches is closed.
	ErrPendingSave = errors.New("api: session has unconfirmed saves")
)

// Definition opens a session: the searches and layout plus the parent record
// the rows belong to.
type Definition struct {
	ParentRecordID string             `json:"parent_record_id" validate:"required,max=128"`
	Params         map[string]string  `json:"params"`
	Session        serialentry.Config `json:"session"`
}

// Factory builds sessions with shared collaborators.
type Factory struct {
	Finder    query.Finder
	Converter pricing.Converter
	Persister changeset.Persister
	Options   serialentry.Options
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (f *Factory) newSession(def Definition, persister changeset.Persister) (*serialentry.Session, error) {
	cfg := def.Session
	cfg.ParentRecordID = def.ParentRecordID

	opts := f.Options
	if len(def.Params) > 0 {
		params := make(map[string]string, len(opts.Params)+len(def.Params))
		for k, v := range opts.Params {
			params[k] = v
		}
		for k, v := range def.Params {
			params[k] = v
		}
		opts.Params = params
	}
	return serialentry.New(cfg, opts, serialentry.Deps{
		Finder:    f.Finder,
		Converter: f.Converter,
		Persister: persister,
		Logger:    f.Logger,
		Now:       f.Now,
	})
}

// Entry guards one session. Engine calls on a session must go through Do.
type Entry struct {
	ID       string
	Parent   string
	mu       sync.Mutex
	session  *serialentry.Session
	touched  time.Time
	registry *Registry
}

// Do runs fn with exclusive access to the session.
func (e *Entry) Do(fn func(*serialentry.Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touched = e.registry.now()
	return fn(e.session)
}

// guard delivers batch confirmations under the entry lock. The callback runs
// on its own goroutine since persisters may confirm synchronously from
// Submit, which is called while the lock is held.
func (e *Entry) guard(next changeset.Persister) changeset.Persister {
	if next == nil {
		return nil
	}
	return changeset.PersisterFunc(func(ctx context.Context, b changeset.Batch, done func(changeset.Result)) {
		next.Submit(ctx, b, func(res changeset.Result) {
			go func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				done(res)
			}()
		})
	})
}

// Registry holds the open sessions of this instance.
type Registry struct {
	Factory *Factory
	IdleTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry(f *Factory, idle time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{Factory: f, IdleTTL: idle, Logger: logger, entries: make(map[string]*Entry)}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Open builds a session for def and registers it. A session whose build fails
// is discarded.
func (r *Registry) Open(ctx context.Context, def Definition) (*Entry, error) {
	if r.Factory == nil {
		return nil, errors.New("api: session factory not configured")
	}
	e := &Entry{ID: uuid.NewString(), Parent: def.ParentRecordID, registry: r, touched: r.now()}
	s, err := r.Factory.newSession(def, e.guard(r.Factory.Persister))
	if err != nil {
		return nil, newAppError("INVALID_DEFINITION", err.Error(), http.StatusUnprocessableEntity, err)
	}
	e.session = s
	if err := s.Build(ctx); err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}

	r.mu.Lock()
	r.entries[e.ID] = e
	setSessionsOpen(len(r.entries))
	r.mu.Unlock()
	r.Logger.Info().Str("session", e.ID).Str("parent", e.Parent).Int("rows", len(s.Rows())).Msg("session opened")
	return e, nil
}

// Get returns the entry with id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Close removes a session. Sessions with unconfirmed saves stay open.
func (r *Registry) Close(id string) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := e.Do(func(s *serialentry.Session) error {
		if s.Pending() > 0 {
			return ErrPendingSave
		}
		return nil
	}); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, id)
	setSessionsOpen(len(r.entries))
	r.mu.Unlock()
	return nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep evicts sessions idle for longer than IdleTTL and returns how many
// were removed. Sessions with unconfirmed saves are kept.
func (r *Registry) Sweep() int {
	if r.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.IdleTTL)

	r.mu.RLock()
	candidates := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	removed := 0
	for _, e := range candidates {
		e.mu.Lock()
		idle := e.touched.Before(cutoff) && e.session.Pending() == 0
		e.mu.Unlock()
		if !idle {
			continue
		}
		r.mu.Lock()
		delete(r.entries, e.ID)
		setSessionsOpen(len(r.entries))
		r.mu.Unlock()
		removed++
		r.Logger.Debug().Str("session", e.ID).Msg("idle session evicted")
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.Logger.Info().Int("evicted", n).Int("open", r.Len()).Msg("session sweep")
			}
		}
	}
}
