// Command consumer reacts to significant-change events by recomputing the
// affected user's sleep debt snapshot.
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
	"github.com/segmentio/kafka-go"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/consumer"
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

	runner := pipeline.NewRunner(pipeline.NewPostgresDatabase(store), tokens, ouraClient, polarClient, cfg.DefaultTimezone)
	handler := consumer.NewDebtSnapshotHandler(runner, store)

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{Address: cfg.MetricsAddress}, promhttp.Handler())
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           outbox.TopicSignificantChange,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})

	proc := consumer.NewProcessor(reader, handler)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()

		log.Printf("consumer started (topic=%s, group=%s)", outbox.TopicSignificantChange, cfg.ConsumerGroupID)
		if err := proc.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("consumer stopped with error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	<-done
}
