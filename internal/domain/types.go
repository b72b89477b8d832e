// Package domain defines the canonical record model shared by the
// reconciliation engine.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies the wearable platform a record originated from.
type Source string

const (
	SourceOura  Source = "oura"
	SourcePolar Source = "polar"
)

// EntityKind names one canonical data stream.
type EntityKind string

const (
	KindDailySleepScore    EntityKind = "daily_sleep_score"
	KindSleepSegment       EntityKind = "sleep_segment"
	KindReadiness          EntityKind = "readiness"
	KindActivity           EntityKind = "activity"
	KindStress             EntityKind = "stress"
	KindSpo2               EntityKind = "spo2"
	KindCardiovascularAge  EntityKind = "cardiovascular_age"
	KindResilience         EntityKind = "resilience"
	KindVO2Max             EntityKind = "vo2_max"
	KindExercise           EntityKind = "exercise"
	KindNightlyRecovery    EntityKind = "nightly_recovery"
	KindVendorSleepSummary EntityKind = "vendor_sleep_summary"
)

// ExternalRecord is one normalized vendor payload. The pair (Source,
// ExternalID) is the idempotency key for every upsert the engine performs.
type ExternalRecord struct {
	Source     Source
	Kind       EntityKind
	ExternalID string
	UserID     uuid.UUID
	// Day is the record's local calendar day (see DayOf). For daily vendor
	// streams this is the vendor's day label parsed as-is; sleep segments
	// re-derive it from the segment end time instead.
	Day         time.Time
	Score       *int
	DurationSec *int
	Payload     json.RawMessage
	// Exercise carries the typed session fields when Kind is KindExercise;
	// the store persists them alongside the canonical row.
	Exercise *ExerciseSession
}

// Valid reports whether the record carries the minimum fields required for an
// upsert. Invalid records are skipped and logged, never fatal to a stream.
func (r ExternalRecord) Valid() bool {
	return r.ExternalID != "" && r.Kind != "" && r.UserID != uuid.Nil && !r.Day.IsZero()
}

// CanonicalEntity is the stored projection of an ExternalRecord.
type CanonicalEntity struct {
	Source      Source
	Kind        EntityKind
	ExternalID  string
	UserID      uuid.UUID
	Day         time.Time
	Score       *int
	DurationSec *int
	Payload     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SegmentType distinguishes the main overnight sleep from supplementary naps.
type SegmentType string

const (
	SegmentPrimary SegmentType = "primary"
	SegmentNap     SegmentType = "nap"
)

// SleepSegment is a sleep-specific canonical entity. Delta fields carry the
// segment's marginal contribution to the day's cumulative score, not a
// standalone score.
type SleepSegment struct {
	ExternalID  string
	UserID      uuid.UUID
	Source      Source
	Type        SegmentType
	Day         time.Time
	Start       time.Time
	End         time.Time
	DurationSec int
	// BaseScore on a primary segment is the cumulative daily score minus all
	// nap deltas for the same day. Naps carry no base score.
	BaseScore           *int
	SleepScoreDelta     *float64
	ReadinessScoreDelta *float64
	DeepSleepSec        *int
	RemSleepSec         *int
	LightSleepSec       *int
	Efficiency          *int
	Contributors        map[string]int
	EmbeddedReadiness   *int
	Payload             json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ExerciseSession is the typed view of a raw exercise record used by the
// training aggregator. It is persisted alongside the canonical exercise row.
type ExerciseSession struct {
	ExternalID  string
	UserID      uuid.UUID
	SportType   string
	Start       time.Time
	End         time.Time
	DurationSec int
	AvgHR       *int
	MaxHR       *int
	// Seconds spent in each of the five heart-rate zones, lowest first.
	ZoneSec    [5]int
	CardioLoad *float64
	Calories   *int
	Payload    json.RawMessage
}

// DailyTrainingSummary is recomputed wholesale from the day's sessions.
type DailyTrainingSummary struct {
	UserID           uuid.UUID
	Day              time.Time
	TotalDurationMin int
	Zone2Min         int
	HighIntensityMin int
	LoadScore        float64
	Sessions         int
	TotalCalories    *int
	AvgHR            *int
	Flags            TrainingFlags
}

// TrainingFlags are risk markers derived in the same pass as the summary.
type TrainingFlags struct {
	Zone2Low        bool `json:"zone2_low,omitempty"`
	HighExcessive   bool `json:"hi_excessive,omitempty"`
	ConsecutiveHigh bool `json:"consecutive_high,omitempty"`
}

// WeeklyTrainingSummary folds a Monday-anchored week of daily summaries.
type WeeklyTrainingSummary struct {
	UserID           uuid.UUID
	WeekStart        time.Time
	TotalDurationMin int
	Zone2Min         int
	HighIntensityMin int
	WeeklyLoad       float64
	TrainingDays     int
	RestDays         int
}

// DebtTrend classifies the short-term direction of a user's sleep debt.
type DebtTrend string

const (
	TrendImproving DebtTrend = "improving"
	TrendStable    DebtTrend = "stable"
	TrendWorsening DebtTrend = "worsening"
)

// DataQuality grades a debt estimate by how many nights backed it.
type DataQuality string

const (
	QualityGood         DataQuality = "good"
	QualityModerate     DataQuality = "moderate"
	QualityLimited      DataQuality = "limited"
	QualityInsufficient DataQuality = "insufficient"
)

// DebtEstimate is computed fresh per request and never persisted.
// Insufficient reports the typed "cannot compute" state; it is not an error.
type DebtEstimate struct {
	Insufficient     bool
	BaselineMinutes  int
	RecentAvgMinutes int
	DebtMinutes      int
	Trend            DebtTrend
	BalanceScore     int
	Quality          DataQuality
}

// DebtSnapshot is a persisted DebtEstimate, keyed by the day it was computed
// for.
type DebtSnapshot struct {
	UserID     uuid.UUID
	Day        time.Time
	Estimate   DebtEstimate
	ComputedAt time.Time
}

// SyncWatermark records the last completed pass per (user, source). It is
// observability only; correctness never depends on it.
type SyncWatermark struct {
	UserID       uuid.UUID
	Source       Source
	LastSyncedAt time.Time
}

// UpsertStats counts the writes performed for one entity kind in a pass.
type UpsertStats struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Add accumulates another stats value.
func (s *UpsertStats) Add(other UpsertStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
}

// SyncReport is the outcome of one user's sync pass. SignificantChange is the
// only channel through which the engine talks to the downstream cascade
// trigger.
type SyncReport struct {
	UserID            uuid.UUID
	Stats             map[EntityKind]UpsertStats
	SignificantChange bool
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Merge folds per-kind stats and the significance flag from a partial result.
func (r *SyncReport) Merge(kind EntityKind, stats UpsertStats, significant bool) {
	if r.Stats == nil {
		r.Stats = make(map[EntityKind]UpsertStats)
	}
	s := r.Stats[kind]
	s.Add(stats)
	r.Stats[kind] = s
	if significant {
		r.SignificantChange = true
	}
}

// User carries the identity and timezone the engine needs for day attribution.
type User struct {
	ID       uuid.UUID
	Timezone string
}
