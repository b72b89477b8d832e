package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// Significance thresholds for the downstream cascade. Writes below these
// still persist; they just do not raise the significant-change signal.
const (
	minSignificantDurationSec = 300
	minSignificantScoreDelta  = 3
)

// SegmentStore is the persistence surface the sleep reconciler needs.
type SegmentStore interface {
	Segment(ctx context.Context, userID uuid.UUID, source domain.Source, externalID string) (*domain.SleepSegment, error)
	InsertSegment(ctx context.Context, segment domain.SleepSegment) error
	UpdateSegment(ctx context.Context, segment domain.SleepSegment) error
}

// SleepReconciler decomposes cumulative daily sleep scores into per-segment
// values and persists segments, reporting whether anything changed enough to
// matter downstream.
//
// The vendor reports one cumulative score per day that drifts as naps land.
// The primary segment's base score is that cumulative score minus the sum of
// the day's nap deltas, so re-syncing after a nap rewrites the primary rather
// than double-counting.
type SleepReconciler struct {
	store  SegmentStore
	logger *log.Logger
}

// SleepOption configures optional reconciler behaviour.
type SleepOption func(*SleepReconciler)

// WithSleepLogger overrides the logger used to report skipped segments.
func WithSleepLogger(logger *log.Logger) SleepOption {
	return func(r *SleepReconciler) { r.logger = logger }
}

// NewSleepReconciler constructs a SleepReconciler.
func NewSleepReconciler(store SegmentStore, opts ...SleepOption) *SleepReconciler {
	r := &SleepReconciler{
		store:  store,
		logger: log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies a batch of sleep segments. dailyScores carries the
// cumulative per-day sleep score keyed by day; days absent from the map leave
// the primary's base score unset. The returned bool reports whether any write
// crossed a significance threshold.
func (r *SleepReconciler) Reconcile(ctx context.Context, segments []domain.SleepSegment, dailyScores map[time.Time]int, policy domain.RefreshPolicy, today time.Time) (domain.UpsertStats, bool, error) {
	r.decompose(segments, dailyScores)

	var stats domain.UpsertStats
	significant := false

	for _, segment := range segments {
		if segment.ExternalID == "" || segment.UserID == uuid.Nil || segment.Day.IsZero() {
			r.logger.Printf("skipping malformed sleep segment from %s", segment.Source)
			stats.Skipped++
			continue
		}

		existing, err := r.store.Segment(ctx, segment.UserID, segment.Source, segment.ExternalID)
		if err != nil {
			return stats, significant, fmt.Errorf("lookup segment %s: %w", segment.ExternalID, err)
		}

		if existing == nil {
			if err := r.store.InsertSegment(ctx, segment); err != nil {
				return stats, significant, fmt.Errorf("insert segment %s: %w", segment.ExternalID, err)
			}
			stats.Inserted++
			if segment.DurationSec >= minSignificantDurationSec {
				significant = true
			}
			continue
		}

		if !policy.Admits(segment.Day, today) {
			stats.Skipped++
			continue
		}
		if !segmentChanged(*existing, segment) {
			stats.Skipped++
			continue
		}

		if err := r.store.UpdateSegment(ctx, segment); err != nil {
			return stats, significant, fmt.Errorf("update segment %s: %w", segment.ExternalID, err)
		}
		stats.Updated++
		if updateSignificant(*existing, segment) {
			significant = true
		}
	}

	return stats, significant, nil
}

// decompose assigns each primary segment its base score: the day's cumulative
// score minus the sum of that day's nap sleep-score deltas.
func (r *SleepReconciler) decompose(segments []domain.SleepSegment, dailyScores map[time.Time]int) {
	napDeltas := make(map[time.Time]float64)
	for _, segment := range segments {
		if segment.Type == domain.SegmentNap && segment.SleepScoreDelta != nil {
			napDeltas[segment.Day] += *segment.SleepScoreDelta
		}
	}

	for i := range segments {
		if segments[i].Type != domain.SegmentPrimary {
			continue
		}
		cumulative, ok := dailyScores[segments[i].Day]
		if !ok {
			continue
		}
		base := int(math.Round(float64(cumulative) - napDeltas[segments[i].Day]))
		segments[i].BaseScore = &base
	}
}

func segmentChanged(existing, incoming domain.SleepSegment) bool {
	switch {
	case existing.DurationSec != incoming.DurationSec,
		!existing.Start.Equal(incoming.Start),
		!existing.End.Equal(incoming.End),
		existing.Type != incoming.Type,
		!intPtrEqual(existing.BaseScore, incoming.BaseScore),
		!floatPtrEqual(existing.SleepScoreDelta, incoming.SleepScoreDelta),
		!floatPtrEqual(existing.ReadinessScoreDelta, incoming.ReadinessScoreDelta),
		!intPtrEqual(existing.EmbeddedReadiness, incoming.EmbeddedReadiness),
		!intPtrEqual(existing.DeepSleepSec, incoming.DeepSleepSec),
		!intPtrEqual(existing.RemSleepSec, incoming.RemSleepSec),
		!intPtrEqual(existing.LightSleepSec, incoming.LightSleepSec),
		!intPtrEqual(existing.Efficiency, incoming.Efficiency):
		return true
	}
	return !bytes.Equal(existing.Payload, incoming.Payload)
}

// updateSignificant applies the cascade thresholds to an in-place rewrite:
// duration moves of five minutes or more, base score moves of three points or
// more, and any change to the embedded readiness score or the deltas.
func updateSignificant(existing, incoming domain.SleepSegment) bool {
	if abs(existing.DurationSec-incoming.DurationSec) >= minSignificantDurationSec {
		return true
	}
	if scoreMoved(existing.BaseScore, incoming.BaseScore) {
		return true
	}
	if !intPtrEqual(existing.EmbeddedReadiness, incoming.EmbeddedReadiness) {
		return true
	}
	if !floatPtrEqual(existing.SleepScoreDelta, incoming.SleepScoreDelta) {
		return true
	}
	return !floatPtrEqual(existing.ReadinessScoreDelta, incoming.ReadinessScoreDelta)
}

func scoreMoved(old, now *int) bool {
	if old == nil || now == nil {
		return old != now
	}
	return abs(*old-*now) >= minSignificantScoreDelta
}

// DisplayScore selects the headline sleep score for a day: the primary
// segment's base score, else the longest scored segment, else the previous
// day's primary. The second return reports whether a score was found.
func DisplayScore(today, previous []domain.SleepSegment) (int, bool) {
	if score, ok := primaryScore(today); ok {
		return score, true
	}

	longest := -1
	score := 0
	for _, segment := range today {
		if segment.BaseScore != nil && segment.DurationSec > longest {
			longest = segment.DurationSec
			score = *segment.BaseScore
		}
	}
	if longest >= 0 {
		return score, true
	}

	return primaryScore(previous)
}

func primaryScore(segments []domain.SleepSegment) (int, bool) {
	for _, segment := range segments {
		if segment.Type == domain.SegmentPrimary && segment.BaseScore != nil {
			return *segment.BaseScore, true
		}
	}
	return 0, false
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
