package queue_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/serial-entry/internal/queue"
)

// memoryStore keeps parked tasks newest first.
type memoryStore struct {
	mu     sync.Mutex
	parked []queue.ParkedTask
}

func newMemoryStore() *memoryStore { return &memoryStore{} }

func (m *memoryStore) Park(_ context.Context, task queue.ParkedTask) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	m.parked = slices.Insert(m.parked, 0, task)
	return task.ID, nil
}

func (m *memoryStore) Discard(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked = slices.DeleteFunc(m.parked, func(t queue.ParkedTask) bool { return t.ID == id })
	return nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (queue.ParkedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.parked, func(t queue.ParkedTask) bool { return t.ID == id })
	if i < 0 {
		return queue.ParkedTask{}, pgx.ErrNoRows
	}
	return m.parked[i], nil
}

func (m *memoryStore) List(_ context.Context, kind string, limit, offset int) ([]queue.ParkedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.ParkedTask
	for _, t := range m.parked {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	out = out[min(offset, len(out)):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) Count(ctx context.Context, kind string) (int64, error) {
	list, err := m.List(ctx, kind, 0, 0)
	return int64(len(list)), err
}

func (m *memoryStore) CountByKind(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[string]int64)
	for _, t := range m.parked {
		sizes[t.Kind]++
	}
	return sizes, nil
}

func (m *memoryStore) all() []queue.ParkedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.parked)
}
