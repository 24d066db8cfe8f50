// Package queue carries change-set batches from editing sessions to the
// worker that writes them, over Redis sorted sets with visibility timeouts,
// retries and a dead-letter store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/resilience"
)

const defaultMaxAttempts = 10

var (
	// ErrNoClient is returned when no Redis client is configured.
	ErrNoClient = errors.New("queue: redis client not configured")
	// ErrInvalidKind is returned for empty kinds or kinds outside [a-z0-9_:-].
	ErrInvalidKind = errors.New("queue: invalid task kind")
)

var nopLogger = zerolog.Nop()

// Task is a unit of work. Attempt is set by the worker (1 on first delivery).
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

// keyspace builds the Redis keys of one queue prefix.
type keyspace string

func (k keyspace) join(parts ...string) string {
	base := string(k)
	if base == "" {
		base = "queue"
	}
	return base + ":" + strings.Join(parts, ":")
}

func (k keyspace) queue(kind string) string {
	if k == "" {
		return "queue:" + kind
	}
	return string(k) + ":queue:" + kind
}

func (k keyspace) processing(kind string) string { return k.join(kind, "processing") }
func (k keyspace) dlq(kind string) string        { return k.join(kind, "dlq") }
func (k keyspace) dedup(kind, key string) string { return k.join("dedup", kind, key) }
func (k keyspace) result(id string) string       { return k.join("result", id) }

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. A task with an idempotency key is
// enqueued once per deduplication window; the window closes when the task is
// acknowledged or dead-lettered.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return ErrNoClient
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKind, t.Kind)
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	keys := keyspace(e.Prefix)

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, keys.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, keys.queue(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}

// Worker consumes tasks of one kind. Handler errors are retried with
// exponential backoff until MaxAttempts, then the task goes to the DLQ: Store
// when set, otherwise a Redis list.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call; zero means the visibility timeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryMax     time.Duration
	RetryJitter  float64
	Store        Store
	Logger       *zerolog.Logger
}

// Run processes tasks until ctx is cancelled. Active tasks sit in a
// processing set with a deadline so tasks of a crashed worker are redelivered.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return ErrNoClient
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKind, w.Kind)
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}
	keys := keyspace(w.Prefix)
	queueKey := keys.queue(kind)
	processingKey := keys.processing(kind)
	log := w.logger().With().Str("component", "worker").Str("kind", kind).Logger()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, keys, kind); err != nil && ctx.Err() == nil {
				return err
			}
			w.recordDepth(ctx, kind, queueKey)
		default:
		}

		res, err := w.R.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				sleep(ctx, 100*time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			log.Error().Err(err).Msg("dropping undecodable task")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet, put it back and wait
			w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			sleep(ctx, min(time.Duration(msg.AvailableAt-now), time.Second))
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, soft)
			defer cancel()
			err := w.Handler(jobCtx, Task{
				Kind:           kind,
				Payload:        m.Payload,
				IdempotencyKey: m.Key,
				MaxAttempts:    m.MaxAttempts,
				Attempt:        m.Attempt,
			})
			// bookkeeping must survive shutdown and the soft deadline
			bg := context.WithoutCancel(ctx)
			if err != nil {
				w.handleFailure(bg, keys, raw, m, err, log)
				return
			}
			w.ack(bg, keys, raw, m)
			recordProcessed(kind, "ok")
		}(raw, msg)
	}
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger == nil {
		return &nopLogger
	}
	return w.Logger
}

func (w Worker) handleFailure(ctx context.Context, keys keyspace, raw string, msg taskMessage, cause error, log zerolog.Logger) {
	_ = w.R.ZRem(ctx, keys.processing(msg.Kind), raw).Err()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, keys, msg, cause, log)
		return
	}
	base := w.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := resilience.CappedBackoff(base, w.RetryMax, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	log.Debug().Err(cause).Int("attempt", msg.Attempt).Dur("delay", delay).Msg("task retry scheduled")
	_ = w.R.ZAdd(ctx, keys.queue(msg.Kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
	recordProcessed(msg.Kind, "retry")
}

func (w Worker) deadLetter(ctx context.Context, keys keyspace, msg taskMessage, cause error, log zerolog.Logger) {
	lastErr := cause.Error()
	evt := log.Warn().Err(cause).Str("key", msg.Key).Int("attempts", msg.Attempt)
	if w.Store != nil {
		id, err := w.Store.Park(ctx, ParkedTask{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        msg.Payload,
			Attempts:       msg.Attempt,
			LastError:      &lastErr,
		})
		if err != nil {
			log.Error().Err(err).Str("key", msg.Key).Msg("dlq insert failed")
		} else {
			evt = evt.Str("dlq_id", id.String())
		}
	} else if rawBytes, err := json.Marshal(msg); err == nil {
		_ = w.R.LPush(ctx, keys.dlq(msg.Kind), rawBytes).Err()
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(msg.Kind, msg.Key)).Err()
	}
	evt.Msg("task moved to dlq")
	recordProcessed(msg.Kind, "dlq")
	recordDLQ(msg.Kind)
}

func (w Worker) ack(ctx context.Context, keys keyspace, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, keys.processing(msg.Kind), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(msg.Kind, msg.Key)).Err()
	}
}

func (w Worker) requeueExpired(ctx context.Context, keys keyspace, kind string) error {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, keys.processing(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, keys.processing(kind), raw).Result()
		if err != nil || removed == 0 {
			// acked in the meantime
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, keys.queue(kind), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) recordDepth(ctx context.Context, kind, queueKey string) {
	if QueueDepth == nil {
		return
	}
	if n, err := w.R.ZCard(ctx, queueKey).Result(); err == nil {
		QueueDepth.WithLabelValues(kind).Set(float64(n))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
