package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/lock"
)

// KindChangeset is the task kind carrying change-set batches.
const KindChangeset = "changeset"

// ErrResultTimeout is reported when no worker confirmed a batch in time.
var ErrResultTimeout = errors.New("queue: change-set result timed out")

// Applier writes the records of one row. changeset.PGStore implements it.
type Applier interface {
	Apply(ctx context.Context, rc changeset.RowChanges) error
}

type resultMessage struct {
	BatchID     string            `json:"batch_id"`
	Err         string            `json:"error,omitempty"`
	Unavailable bool              `json:"unavailable,omitempty"`
	RowErrs     map[string]string `json:"row_errors,omitempty"`
}

func (m resultMessage) result() changeset.Result {
	res := changeset.Result{BatchID: m.BatchID, RowErrs: make(map[string]error, len(m.RowErrs))}
	switch {
	case m.Unavailable:
		res.Err = fmt.Errorf("%w: %s", changeset.ErrStoreUnavailable, m.Err)
	case m.Err != "":
		res.Err = errors.New(m.Err)
	}
	for key, msg := range m.RowErrs {
		res.RowErrs[key] = errors.New(msg)
	}
	return res
}

// Persister submits batches through the queue and waits for the worker's
// result on a per-batch Redis list. It implements changeset.Persister.
type Persister struct {
	Enqueuer      Enqueuer
	MaxAttempts   int
	ResultTimeout time.Duration
	Logger        zerolog.Logger
}

// Submit implements changeset.Persister. done runs on another goroutine
// unless the batch could not be enqueued.
func (p *Persister) Submit(ctx context.Context, b changeset.Batch, done func(changeset.Result)) {
	payload, err := json.Marshal(b)
	if err == nil {
		err = p.Enqueuer.Enqueue(ctx, Task{
			Kind:           KindChangeset,
			Payload:        payload,
			IdempotencyKey: b.ID,
			MaxAttempts:    p.MaxAttempts,
		})
	}
	if err != nil {
		p.Logger.Error().Err(err).Str("batch", b.ID).Msg("enqueue change set failed")
		done(changeset.Result{BatchID: b.ID, Err: fmt.Errorf("%w: enqueue: %w", changeset.ErrStoreUnavailable, err)})
		return
	}
	go p.await(ctx, b.ID, done)
}

func (p *Persister) await(ctx context.Context, batchID string, done func(changeset.Result)) {
	timeout := p.ResultTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	key := keyspace(p.Enqueuer.Prefix).result(batchID)
	vals, err := p.Enqueuer.R.BLPop(ctx, timeout, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		done(changeset.Result{BatchID: batchID, Err: ErrResultTimeout})
		return
	case err != nil:
		done(changeset.Result{BatchID: batchID, Err: fmt.Errorf("await change-set result: %w", err)})
		return
	}
	var msg resultMessage
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		done(changeset.Result{BatchID: batchID, Err: fmt.Errorf("decode change-set result: %w", err)})
		return
	}
	done(msg.result())
}

// ChangesetHandler applies queued batches row by row and publishes the
// outcome for the submitting Persister. Rows that were applied or rejected
// are remembered per batch, so a retry after a store outage only touches the
// remaining rows. With a Locker, a batch redelivered while its first delivery
// still runs is retried later instead of applied twice.
type ChangesetHandler struct {
	R         *redis.Client
	Prefix    string
	Store     Applier
	Locker    *lock.Locker
	LockTTL   time.Duration
	ResultTTL time.Duration
	Logger    zerolog.Logger
}

// Handle is the Worker handler for KindChangeset tasks.
func (h ChangesetHandler) Handle(ctx context.Context, t Task) error {
	var b changeset.Batch
	if err := json.Unmarshal(t.Payload, &b); err != nil {
		return fmt.Errorf("decode change set: %w", err)
	}
	if h.Locker == nil {
		return h.apply(ctx, t, b)
	}
	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return h.Locker.TryLock(ctx, KindChangeset+":"+b.ID, ttl, func(ctx context.Context) error {
		return h.apply(ctx, t, b)
	})
}

func (h ChangesetHandler) apply(ctx context.Context, t Task, b changeset.Batch) error {
	keys := keyspace(h.Prefix)
	appliedKey := keys.join("applied", b.ID)
	rowErrKey := keys.join("rowerr", b.ID)
	ttl := h.ttl()
	log := h.Logger.With().Str("batch", b.ID).Int("attempt", t.Attempt).Logger()

	for _, rc := range b.Rows {
		applied, err := h.R.SIsMember(ctx, appliedKey, rc.RowKey).Result()
		if err != nil {
			return err
		}
		rejected, err := h.R.HExists(ctx, rowErrKey, rc.RowKey).Result()
		if err != nil {
			return err
		}
		if applied || rejected {
			continue
		}

		err = h.Store.Apply(ctx, rc)
		switch {
		case err == nil:
			if err := h.remember(ctx, appliedKey, ttl, func(p redis.Pipeliner) { p.SAdd(ctx, appliedKey, rc.RowKey) }); err != nil {
				return err
			}
		case errors.Is(err, changeset.ErrStoreUnavailable):
			if t.Attempt < t.MaxAttempts {
				log.Warn().Err(err).Msg("change-set store unavailable, will retry")
				return err
			}
			return h.publish(ctx, keys, resultMessage{BatchID: b.ID, Err: err.Error(), Unavailable: true}, rowErrKey)
		default:
			log.Warn().Err(err).Str("row", rc.RowKey).Msg("row change set rejected")
			msg := err.Error()
			if err := h.remember(ctx, rowErrKey, ttl, func(p redis.Pipeliner) { p.HSet(ctx, rowErrKey, rc.RowKey, msg) }); err != nil {
				return err
			}
		}
	}
	return h.publish(ctx, keys, resultMessage{BatchID: b.ID}, rowErrKey)
}

func (h ChangesetHandler) ttl() time.Duration {
	if h.ResultTTL <= 0 {
		return time.Hour
	}
	return h.ResultTTL
}

func (h ChangesetHandler) remember(ctx context.Context, key string, ttl time.Duration, write func(redis.Pipeliner)) error {
	_, err := h.R.TxPipelined(ctx, func(p redis.Pipeliner) error {
		write(p)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (h ChangesetHandler) publish(ctx context.Context, keys keyspace, msg resultMessage, rowErrKey string) error {
	rowErrs, err := h.R.HGetAll(ctx, rowErrKey).Result()
	if err != nil {
		return err
	}
	if len(rowErrs) > 0 {
		msg.RowErrs = rowErrs
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resultKey := keys.result(msg.BatchID)
	_, err = h.R.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, resultKey, raw)
		p.Expire(ctx, resultKey, h.ttl())
		p.Del(ctx, keys.join("applied", msg.BatchID), rowErrKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish change-set result: %w", err)
	}
	h.Logger.Debug().Str("batch", msg.BatchID).Int("row_errors", len(msg.RowErrs)).Msg("change set applied")
	return nil
}
