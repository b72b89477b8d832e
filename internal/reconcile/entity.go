// Package reconcile merges normalized vendor records into the canonical
// store, deciding per record whether to insert, update, or leave it alone.
package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// EntityStore is the persistence surface the entity reconciler needs. The
// postgres store routes exercise records to their typed table as part of the
// same write.
type EntityStore interface {
	Entity(ctx context.Context, userID uuid.UUID, source domain.Source, externalID string) (*domain.CanonicalEntity, error)
	InsertEntity(ctx context.Context, record domain.ExternalRecord) error
	UpdateEntity(ctx context.Context, record domain.ExternalRecord) error
}

// EntityReconciler applies generic daily-stream records. New records are
// always inserted regardless of the refresh policy; only updates to existing
// rows are policy-gated.
type EntityReconciler struct {
	store  EntityStore
	logger *log.Logger
}

// EntityOption configures optional reconciler behaviour.
type EntityOption func(*EntityReconciler)

// WithEntityLogger overrides the logger used to report skipped records.
func WithEntityLogger(logger *log.Logger) EntityOption {
	return func(r *EntityReconciler) { r.logger = logger }
}

// NewEntityReconciler constructs an EntityReconciler.
func NewEntityReconciler(store EntityStore, opts ...EntityOption) *EntityReconciler {
	r := &EntityReconciler{
		store:  store,
		logger: log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies a batch of records under the given policy. Malformed
// records are logged and counted as skipped; a store failure aborts the batch
// so the surrounding transaction can roll back.
//
// The returned bool reports whether a daily sleep score crossed a significance
// threshold: a score appearing for the first time, or an existing one moving
// by three points or more. A day can carry a score with no segments behind it,
// so the score stream signals the cascade on its own.
func (r *EntityReconciler) Reconcile(ctx context.Context, records []domain.ExternalRecord, policy domain.RefreshPolicy, today time.Time) (map[domain.EntityKind]domain.UpsertStats, bool, error) {
	stats := make(map[domain.EntityKind]domain.UpsertStats)
	significant := false

	for _, record := range records {
		if !record.Valid() {
			r.logger.Printf("skipping malformed %s record from %s", record.Kind, record.Source)
			bump(stats, record.Kind, domain.UpsertStats{Skipped: 1})
			continue
		}

		existing, err := r.store.Entity(ctx, record.UserID, record.Source, record.ExternalID)
		if err != nil {
			return stats, significant, fmt.Errorf("lookup %s %s: %w", record.Kind, record.ExternalID, err)
		}

		if existing == nil {
			if err := r.store.InsertEntity(ctx, record); err != nil {
				return stats, significant, fmt.Errorf("insert %s %s: %w", record.Kind, record.ExternalID, err)
			}
			bump(stats, record.Kind, domain.UpsertStats{Inserted: 1})
			if record.Kind == domain.KindDailySleepScore {
				significant = true
			}
			continue
		}

		if !policy.Admits(record.Day, today) {
			bump(stats, record.Kind, domain.UpsertStats{Skipped: 1})
			continue
		}
		if !entityChanged(*existing, record) {
			bump(stats, record.Kind, domain.UpsertStats{Skipped: 1})
			continue
		}

		if err := r.store.UpdateEntity(ctx, record); err != nil {
			return stats, significant, fmt.Errorf("update %s %s: %w", record.Kind, record.ExternalID, err)
		}
		bump(stats, record.Kind, domain.UpsertStats{Updated: 1})
		if record.Kind == domain.KindDailySleepScore && scoreMoved(existing.Score, record.Score) {
			significant = true
		}
	}

	return stats, significant, nil
}

func bump(stats map[domain.EntityKind]domain.UpsertStats, kind domain.EntityKind, delta domain.UpsertStats) {
	s := stats[kind]
	s.Add(delta)
	stats[kind] = s
}

func entityChanged(existing domain.CanonicalEntity, record domain.ExternalRecord) bool {
	if !intPtrEqual(existing.Score, record.Score) {
		return true
	}
	if !intPtrEqual(existing.DurationSec, record.DurationSec) {
		return true
	}
	return !bytes.Equal(existing.Payload, record.Payload)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
