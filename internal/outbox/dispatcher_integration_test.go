//go:build integration

package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type capturingProducer struct {
	topics   map[string][]kafka.Message
	failWith error
	delay    time.Duration
}

func (p *capturingProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failWith != nil {
		return p.failWith
	}
	if p.topics == nil {
		p.topics = make(map[string][]kafka.Message)
	}
	p.topics[topic] = append(p.topics[topic], msgs...)
	return nil
}

func TestDispatcherDeliversAndMarksPublished(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, ctx)

	userID := uuid.New()
	seedUser(t, ctx, pool, userID)
	insertEvent(t, ctx, pool, EventSignificantChange, TopicSignificantChange, userID.String())

	producer := &capturingProducer{}
	d := NewDispatcher(pool, producer, time.Second, 10)

	require.NoError(t, d.processBatch(ctx))

	msgs := producer.topics[TopicSignificantChange]
	require.Len(t, msgs, 1)
	require.Equal(t, userID.String(), string(msgs[0].Key))

	var remaining int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&remaining))
	require.Zero(t, remaining)
}

func TestDispatcherBatchDurationCoversDelivery(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, ctx)

	userID := uuid.New()
	seedUser(t, ctx, pool, userID)
	insertEvent(t, ctx, pool, EventSignificantChange, TopicSignificantChange, userID.String())

	producer := &capturingProducer{delay: 50 * time.Millisecond}
	d := NewDispatcher(pool, producer, time.Second, 10)

	beforeCount, beforeSum := batchDurationSnapshot(t)
	require.NoError(t, d.processBatch(ctx))
	afterCount, afterSum := batchDurationSnapshot(t)

	// The histogram must time the whole batch, slow delivery included.
	require.Equal(t, beforeCount+1, afterCount)
	require.GreaterOrEqual(t, afterSum-beforeSum, 0.05)
}

func batchDurationSnapshot(t *testing.T) (uint64, float64) {
	t.Helper()
	var m dto.Metric
	require.NoError(t, batchDuration.Write(&m))
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

func TestDispatcherRoutesFailuresToDLQAndRedrives(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, ctx)

	userID := uuid.New()
	seedUser(t, ctx, pool, userID)
	insertEvent(t, ctx, pool, EventSummaryRecomputed, TopicSummaryRecomputed, userID.String())

	producer := &capturingProducer{failWith: errors.New("broker down")}
	d := NewDispatcher(pool, producer, time.Second, 10)

	require.NoError(t, d.processBatch(ctx))

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_dlq WHERE redriven_at IS NULL`).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	// After the broker recovers, redrive requeues the event and a second
	// batch delivers it.
	manager := NewDLQManager(pool)
	moved, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	producer.failWith = nil
	require.NoError(t, d.processBatch(ctx))
	require.Len(t, producer.topics[TopicSummaryRecomputed], 1)
}

func newTestPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("healthsync"),
		postgrescontainer.WithUsername("healthsync"),
		postgrescontainer.WithPassword("healthsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	migration := resolvePath(t, "../../db/postgres/migrations/0001_init.up.sql")
	contents, err := os.ReadFile(migration)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(contents))
	require.NoError(t, err)

	return pool
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, timezone) VALUES ($1, 'Asia/Hong_Kong')`, id)
	require.NoError(t, err)
}

func insertEvent(t *testing.T, ctx context.Context, pool *pgxpool.Pool, eventType, topic, key string) {
	t.Helper()
	_, err := pool.Exec(ctx,
		`INSERT INTO outbox (event_type, topic, partition_key, payload) VALUES ($1,$2,$3,'{}')`,
		eventType, topic, key)
	require.NoError(t, err)
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
