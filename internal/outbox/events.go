package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event types and the topics they route to. The partition key is always the
// user id so per-user ordering survives repartitioning.
const (
	EventSignificantChange = "sync.significant_change"
	EventSummaryRecomputed = "training.summary_recomputed"

	TopicSignificantChange = "healthsync.sync.significant-change"
	TopicSummaryRecomputed = "healthsync.training.summary-recomputed"
)

// SignificantChange announces that a sync pass changed reconciled data enough
// to matter downstream; consumers react to the signal, never to individual
// row writes.
type SignificantChange struct {
	UserID     uuid.UUID `json:"user_id"`
	Source     string    `json:"source"`
	Day        time.Time `json:"day"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SummaryRecomputed announces a rebuilt daily training summary.
type SummaryRecomputed struct {
	UserID     uuid.UUID `json:"user_id"`
	Day        time.Time `json:"day"`
	LoadScore  float64   `json:"load_score"`
	OccurredAt time.Time `json:"occurred_at"`
}
