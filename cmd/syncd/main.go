package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/integrations/oura"
	"example.com/healthsync/internal/integrations/polar"
	"example.com/healthsync/internal/integrations/transport"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/pipeline"
	persistence "example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/token"
	httptransport "example.com/healthsync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	store := persistence.NewStore(pool)

	ouraClient := oura.NewClient(oura.Config{
		BaseURL:      cfg.OuraBaseURL,
		TokenURL:     cfg.OuraTokenURL,
		ClientID:     cfg.OuraClientID,
		ClientSecret: cfg.OuraClientSecret,
		HTTP:         transport.New("oura", cfg.VendorHTTPTimeout, cfg.VendorRateLimit),
	})
	polarClient := polar.NewClient(polar.Config{
		BaseURL:      cfg.PolarBaseURL,
		TokenURL:     cfg.PolarTokenURL,
		ClientID:     cfg.PolarClientID,
		ClientSecret: cfg.PolarClientSecret,
		HTTP:         transport.New("polar", cfg.VendorHTTPTimeout, cfg.VendorRateLimit),
	})

	tokens := token.NewManager(store)
	tokens.RegisterSource(domain.SourceOura, ouraClient)
	tokens.RegisterSource(domain.SourcePolar, polarClient)

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	runner := pipeline.NewRunner(pipeline.NewPostgresDatabase(store), tokens, ouraClient, polarClient, cfg.DefaultTimezone)

	go runSyncLoop(ctx, "scheduled", cfg.SyncInterval, func(ctx context.Context) error {
		return runner.SyncAll(ctx, cfg.SyncWindowDays, pipeline.ScheduledPolicy(cfg.SyncWindowDays))
	})
	go runSyncLoop(ctx, "poll", cfg.PollInterval, func(ctx context.Context) error {
		return runner.SyncAll(ctx, cfg.PollWindowDays, pipeline.PollPolicy(cfg.PollWindowDays))
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := httptransport.NewServer(httptransport.ServerConfig{Address: cfg.HTTPAddress}, mux)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("healthsync daemon listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}

// runSyncLoop runs one pass immediately, then one per tick until the context
// is cancelled.
func runSyncLoop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(ctx); err != nil {
			log.Printf("[syncd] %s pass finished with errors: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
