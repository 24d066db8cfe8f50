package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache constructs a cache helper. Keys are namespaced with prefix.
func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "serialentry:query"
	}
	return &Cache{client: client, ttl: ttl, prefix: prefix}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Key derives the Redis key for a request.
func (c *Cache) Key(req Request) string {
	sum := sha256.Sum256([]byte(req.CacheKey()))
	return c.prefix + ":" + req.Name + ":" + hex.EncodeToString(sum[:12])
}

// CachedFinder serves repeated requests for the named statements from Redis.
// Condition tables and price lists change rarely compared to a session's
// lifetime, so only those names should be listed.
type CachedFinder struct {
	Next   Finder
	Cache  *Cache
	Names  map[string]bool
	Logger zerolog.Logger
}

// Find implements Finder.
func (c *CachedFinder) Find(ctx context.Context, req Request) *Future {
	if c.Cache == nil || !c.Names[req.Name] {
		return c.Next.Find(ctx, req)
	}
	key := c.Cache.Key(req)
	var cached []Record
	hit, err := c.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.Logger.Warn().Err(err).Str("statement", req.Name).Msg("query cache read failed")
	}
	if hit {
		rows := make([]Row, 0, len(cached))
		for _, r := range cached {
			rows = append(rows, r)
		}
		return Resolved(rows)
	}

	upstream := c.Next.Find(ctx, req)
	out := NewFuture(func() { upstream.Cancel() })
	upstream.Then(func(rows []Row, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		if setErr := c.Cache.SetJSON(context.WithoutCancel(ctx), key, toRecords(rows)); setErr != nil {
			c.Logger.Warn().Err(setErr).Str("statement", req.Name).Msg("query cache write failed")
		}
		out.Resolve(rows)
	})
	go func() {
		<-upstream.Done()
		if upstream.Cancelled() {
			out.Cancel()
		}
	}()
	return out
}

func toRecords(rows []Row) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if rec, ok := row.(Record); ok {
			out = append(out, rec)
			continue
		}
		rec := Record{Root: row.RootRecordID()}
		n := row.Len()
		rec.Values = make([]string, n)
		rec.RecordIDs = make([]string, n)
		for i := 0; i < n; i++ {
			rec.Values[i] = row.RawValue(i)
			rec.RecordIDs[i] = row.RecordID(i)
		}
		out = append(out, rec)
	}
	return out
}
