package consumer

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/outbox"
)

// DebtSource computes the current sleep debt estimate for a user.
// *pipeline.Runner satisfies it.
type DebtSource interface {
	SleepDebt(ctx context.Context, userID uuid.UUID) (domain.DebtEstimate, error)
}

// SnapshotStore persists computed estimates.
type SnapshotStore interface {
	SaveDebtSnapshot(ctx context.Context, snap domain.DebtSnapshot) error
}

// DebtSnapshotHandler recomputes a user's sleep debt whenever a significant
// change lands, keeping the stored snapshot current without polling.
type DebtSnapshotHandler struct {
	source DebtSource
	store  SnapshotStore
	now    func() time.Time
}

// NewDebtSnapshotHandler constructs a handler.
func NewDebtSnapshotHandler(source DebtSource, store SnapshotStore) *DebtSnapshotHandler {
	return &DebtSnapshotHandler{source: source, store: store, now: time.Now}
}

// Handle recomputes and stores the snapshot for significant-change events.
// Other event types on the topic are ignored.
func (h *DebtSnapshotHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != outbox.EventSignificantChange {
		return nil
	}

	var event outbox.SignificantChange
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return err
	}

	estimate, err := h.source.SleepDebt(ctx, event.UserID)
	if err != nil {
		return err
	}

	return h.store.SaveDebtSnapshot(ctx, domain.DebtSnapshot{
		UserID:     event.UserID,
		Day:        event.Day,
		Estimate:   estimate,
		ComputedAt: h.now().UTC(),
	})
}
