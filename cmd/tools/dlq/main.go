// Command dlq inspects and replays dead-lettered change-set batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/serial-entry/internal/config"
	"github.com/noah-isme/serial-entry/internal/queue"
)

func main() {
	var (
		kind   = flag.String("kind", queue.KindChangeset, "task kind to list; empty lists every kind")
		limit  = flag.Int("limit", 50, "maximum entries to list")
		offset = flag.Int("offset", 0, "entries to skip")
		replay = flag.String("replay", "", "id of the entry to put back on its queue")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	store := queue.NewStore(pool)

	if *replay != "" {
		id, err := uuid.Parse(*replay)
		if err != nil {
			log.Fatalf("parse id: %v", err)
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		enq := queue.Enqueuer{R: client, Prefix: cfg.QueuePrefix, DedupTTL: cfg.QueueDedupTTL, MaxAttempts: cfg.QueueMaxAttempts}
		entry, err := queue.Replay(ctx, store, enq, id)
		if err != nil {
			log.Fatalf("replay: %v", err)
		}
		fmt.Printf("replayed %s (%s, key %s)\n", entry.ID, entry.Kind, entry.IdempotencyKey)
		return
	}

	total, err := store.Count(ctx, *kind)
	if err != nil {
		log.Fatalf("count: %v", err)
	}
	entries, err := store.List(ctx, *kind, *limit, *offset)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tKEY\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, e := range entries {
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.Kind, e.IdempotencyKey, e.Attempts, e.CreatedAt.Format(time.RFC3339), lastErr)
	}
	_ = w.Flush()
	fmt.Printf("%d of %d entries\n", len(entries), total)
}
