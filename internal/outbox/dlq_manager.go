package outbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQManager redrives dead-lettered events back into the outbox once the
// underlying delivery problem is fixed.
type DLQManager struct {
	pool *pgxpool.Pool
}

// NewDLQManager constructs a DLQManager.
func NewDLQManager(pool *pgxpool.Pool) *DLQManager {
	return &DLQManager{pool: pool}
}

// RunOnce requeues a batch of unredriven DLQ entries and returns how many
// were moved. Each entry is handled in its own transaction so one poisoned
// row cannot block the rest.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT entry_id, event_type, topic, partition_key, payload
                    FROM outbox_dlq
                   WHERE redriven_at IS NULL
                   ORDER BY entry_id
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type entry struct {
		ID           int64
		EventType    string
		Topic        string
		PartitionKey string
		Payload      []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Topic, &e.PartitionKey, &e.Payload); err != nil {
			return 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	var errs error
	for _, e := range entries {
		err := m.redrive(ctx, e.ID, e.EventType, e.Topic, e.PartitionKey, e.Payload)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		processed++
		redrivenCounter.Inc()
	}
	return processed, errs
}

func (m *DLQManager) redrive(ctx context.Context, entryID int64, eventType, topic, partitionKey string, payload []byte) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (event_type, topic, partition_key, payload) VALUES ($1,$2,$3,$4)`,
		eventType, topic, partitionKey, payload,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_dlq SET redriven_at = NOW() WHERE entry_id = $1`, entryID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
