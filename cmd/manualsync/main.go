// Command manualsync runs a one-shot sync pass for a single user, typically
// to backfill history right after the user connects a vendor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/integrations/oura"
	"example.com/healthsync/internal/integrations/polar"
	"example.com/healthsync/internal/integrations/transport"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/pipeline"
	persistence "example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/token"
)

func main() {
	var (
		userFlag  = flag.String("user", "", "user id to sync (required)")
		daysFlag  = flag.Int("days", 30, "number of days to fetch, ending today")
		forceFlag = flag.Bool("force", false, "rewrite existing rows instead of insert-only")
		debtFlag  = flag.Bool("debt", false, "print the sleep debt estimate instead of syncing")
	)
	flag.Parse()

	userID, err := uuid.Parse(*userFlag)
	if err != nil {
		log.Fatalf("invalid -user: %v", err)
	}
	if *daysFlag < 1 || *daysFlag > 30 {
		log.Fatalf("-days must be between 1 and 30, got %d", *daysFlag)
	}

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
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

	if *debtFlag {
		estimate, err := runner.SleepDebt(ctx, userID)
		if err != nil {
			log.Fatalf("sleep debt: %v", err)
		}
		printEstimate(estimate)
		return
	}

	user, err := store.User(ctx, userID)
	if err != nil {
		log.Fatalf("user lookup: %v", err)
	}

	report, err := runner.SyncUser(ctx, user, *daysFlag, pipeline.ManualPolicy(*forceFlag))
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}

	observability.RecordWatermark(report.FinishedAt)

	fmt.Printf("synced user %s over %d days in %s\n", user.ID, *daysFlag, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for kind, stats := range report.Stats {
		fmt.Printf("  %-22s inserted=%d updated=%d skipped=%d\n", kind, stats.Inserted, stats.Updated, stats.Skipped)
	}
	if report.SignificantChange {
		fmt.Println("  significant change signalled")
	}
	os.Exit(0)
}

func printEstimate(e domain.DebtEstimate) {
	if e.BaselineMinutes > 0 {
		fmt.Printf("baseline: %dm/night\n", e.BaselineMinutes)
	}
	if e.Insufficient {
		fmt.Println("insufficient recent data for an estimate")
		return
	}
	fmt.Printf("recent avg: %dm  debt: %dm  trend: %s  balance: %d  quality: %s\n",
		e.RecentAvgMinutes, e.DebtMinutes, e.Trend, e.BalanceScore, e.Quality)
}
