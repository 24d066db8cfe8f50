package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the DLQ store is not configured.
var ErrStoreUnavailable = errors.New("queue: dlq store unavailable")

// Store persists dead-lettered tasks.
type Store interface {
	Park(ctx context.Context, entry ParkedTask) (uuid.UUID, error)
	Discard(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (ParkedTask, error)
	List(ctx context.Context, kind string, limit, offset int) ([]ParkedTask, error)
	Count(ctx context.Context, kind string) (int64, error)
	CountByKind(ctx context.Context) (map[string]int64, error)
}

// ParkedTask is one dead-lettered task. For change-set tasks the payload is
// the JSON batch and the idempotency key its batch id.
type ParkedTask struct {
	ID             uuid.UUID
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// NewStore returns a Store over the changeset_dlq table.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const dlqColumns = `id, kind, idem_key, payload, attempts, last_error, created_at`

func (s *pgStore) Park(ctx context.Context, entry ParkedTask) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var lastError pgtype.Text
	if entry.LastError != nil {
		lastError = pgtype.Text{String: *entry.LastError, Valid: true}
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO changeset_dlq (kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, lastError).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("park task: %w", err)
	}
	return id, nil
}

func (s *pgStore) Discard(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM changeset_dlq WHERE id = $1`, id)
	return err
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (ParkedTask, error) {
	if s == nil || s.pool == nil {
		return ParkedTask{}, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM changeset_dlq WHERE id = $1`, id)
	if err != nil {
		return ParkedTask{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanParked)
}

func (s *pgStore) List(ctx context.Context, kind string, limit, offset int) ([]ParkedTask, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = min(max(limit, 1), 500)
	offset = max(offset, 0)
	var (
		rows pgx.Rows
		err  error
	)
	if kind = strings.TrimSpace(kind); kind != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM changeset_dlq WHERE kind = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, kind, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM changeset_dlq ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanParked)
}

func (s *pgStore) Count(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if kind = strings.TrimSpace(kind); kind == "" {
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM changeset_dlq`).Scan(&total)
		return total, err
	}
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM changeset_dlq WHERE kind = $1`, kind).Scan(&total)
	return total, err
}

func (s *pgStore) CountByKind(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM changeset_dlq GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var (
			kind  string
			total int64
		)
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		result[kind] = total
	}
	return result, rows.Err()
}

func scanParked(row pgx.CollectableRow) (ParkedTask, error) {
	var (
		entry   ParkedTask
		lastErr pgtype.Text
	)
	if err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &lastErr, &entry.CreatedAt); err != nil {
		return ParkedTask{}, err
	}
	if lastErr.Valid {
		entry.LastError = &lastErr.String
	}
	return entry, nil
}

// Replay puts a dead-lettered task back on its queue with a fresh attempt
// budget and removes it from the store.
func Replay(ctx context.Context, store Store, enq Enqueuer, id uuid.UUID) (ParkedTask, error) {
	if store == nil {
		return ParkedTask{}, ErrStoreUnavailable
	}
	entry, err := store.Get(ctx, id)
	if err != nil {
		return ParkedTask{}, fmt.Errorf("load dlq entry %s: %w", id, err)
	}
	task := Task{Kind: entry.Kind, Payload: entry.Payload, IdempotencyKey: entry.IdempotencyKey}
	if err := enq.Enqueue(ctx, task); err != nil {
		return ParkedTask{}, fmt.Errorf("requeue dlq entry %s: %w", id, err)
	}
	if err := store.Discard(ctx, id); err != nil {
		return entry, fmt.Errorf("delete dlq entry %s: %w", id, err)
	}
	if QueueDLQSize != nil {
		QueueDLQSize.WithLabelValues(entry.Kind).Dec()
	}
	return entry, nil
}
