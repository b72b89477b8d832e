// Command dlqmanager redrives dead-lettered outbox events back onto the
// outbox so the dispatcher retries them, e.g. after a broker outage.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/outbox"
)

func main() {
	var (
		intervalFlag = flag.Duration("interval", 0, "redrive continuously at this interval (0 = one pass and exit)")
		batchFlag    = flag.Int("batch", 50, "entries to redrive per pass")
	)
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool)

	if *intervalFlag <= 0 {
		redriven, err := manager.RunOnce(ctx, *batchFlag)
		if err != nil {
			log.Fatalf("redrive failed: %v", err)
		}
		log.Printf("redrove %d entries", redriven)
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*intervalFlag)
	defer ticker.Stop()

	log.Printf("dlq manager started (interval=%s, batch=%d)", *intervalFlag, *batchFlag)

	for {
		select {
		case <-stop:
			log.Println("dlq manager shutting down")
			return
		case <-ticker.C:
			redriven, err := manager.RunOnce(ctx, *batchFlag)
			if err != nil {
				log.Printf("redrive error: %v", err)
			} else if redriven > 0 {
				log.Printf("redrove %d entries", redriven)
			}
		}
	}
}
