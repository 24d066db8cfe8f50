package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BodyLimit rejects payloads larger than Max bytes with 413.
type BodyLimit struct {
	Max int64
}

// Middleware buffers at most Max+1 bytes of the body.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			JSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request entity too large", nil)
			return
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		if err != nil && !errors.Is(err, io.EOF) {
			JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
			return
		}
		if int64(len(buf)) > b.Max {
			JSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request entity too large", nil)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the static response headers of the API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Idempotency replays are refused for save requests carrying the same
// Idempotency-Key on the same session.
type Idempotency struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (i Idempotency) key(session, header string) string {
	sum := sha256.Sum256([]byte(session + "\x00" + header))
	return join(i.Prefix, "idem", hex.EncodeToString(sum[:]))
}

// Middleware claims the key with SETNX before the handler runs.
func (i Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		key := i.key(chi.URLParam(r, "sessionID"), header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Limiter is a sliding window limiter backed by Redis sorted sets.
type Limiter struct {
	R      *redis.Client
	Prefix string
}

// Allow registers an event for key and reports whether it is within limit
// events per window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	reset = now.Add(window)
	if l.R == nil || limit <= 0 || window <= 0 {
		return true, limit, reset, nil
	}
	redisKey := join(l.Prefix, "rate", key)
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := l.R.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, reset, err
	}
	current := int(count.Val())
	return current <= limit, max(limit-current, 0), reset, nil
}

// EditRate throttles edits per session. Limiter failures let requests pass.
type EditRate struct {
	Limiter Limiter
	Window  time.Duration
	Max     int
	Logger  zerolog.Logger
}

// Middleware applies the limit keyed by the session id.
func (e EditRate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "sessionID")
		if session == "" || e.Max <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, resetAt, err := e.Limiter.Allow(r.Context(), "session:"+session, e.Window, e.Max)
		if err != nil {
			e.Logger.Warn().Err(err).Str("session", session).Msg("edit rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(e.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			h.Set("Retry-After", strconv.Itoa(max(int(time.Until(resetAt).Seconds()), 1)))
			JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many edits", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func join(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = "api"
	}
	out := prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}
