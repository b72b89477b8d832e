package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

type stubSegmentStore struct {
	segments map[string]*domain.SleepSegment
	inserted int
	updated  int
}

func newStubSegmentStore() *stubSegmentStore {
	return &stubSegmentStore{segments: make(map[string]*domain.SleepSegment)}
}

func (s *stubSegmentStore) Segment(_ context.Context, _ uuid.UUID, source domain.Source, externalID string) (*domain.SleepSegment, error) {
	return s.segments[string(source)+"/"+externalID], nil
}

func (s *stubSegmentStore) InsertSegment(_ context.Context, segment domain.SleepSegment) error {
	s.inserted++
	copied := segment
	s.segments[string(segment.Source)+"/"+segment.ExternalID] = &copied
	return nil
}

func (s *stubSegmentStore) UpdateSegment(_ context.Context, segment domain.SleepSegment) error {
	s.updated++
	copied := segment
	s.segments[string(segment.Source)+"/"+segment.ExternalID] = &copied
	return nil
}

func segment(userID uuid.UUID, externalID string, day time.Time, kind domain.SegmentType, durationSec int) domain.SleepSegment {
	start := day.Add(-6 * time.Hour)
	return domain.SleepSegment{
		ExternalID:  externalID,
		UserID:      userID,
		Source:      domain.SourceOura,
		Type:        kind,
		Day:         day,
		Start:       start,
		End:         start.Add(time.Duration(durationSec) * time.Second),
		DurationSec: durationSec,
	}
}

func TestDecomposeSubtractsNapDeltas(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	napDelta := 4.0
	nap := segment(userID, "nap-1", day, domain.SegmentNap, 1800)
	nap.SleepScoreDelta = &napDelta
	primary := segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600)

	segments := []domain.SleepSegment{nap, primary}
	scores := map[time.Time]int{day: 82}

	_, _, err := r.Reconcile(context.Background(), segments, scores, domain.Full(), day)
	require.NoError(t, err)

	stored := store.segments["oura/sleep-1"]
	require.NotNil(t, stored.BaseScore)
	require.Equal(t, 78, *stored.BaseScore, "base = cumulative 82 minus nap delta 4")

	storedNap := store.segments["oura/nap-1"]
	require.Nil(t, storedNap.BaseScore)
}

func TestNewLongSegmentIsSignificant(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	_, significant, err := r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-1", day, domain.SegmentPrimary, 6*3600)},
		nil, domain.Full(), day)
	require.NoError(t, err)
	require.True(t, significant)
}

func TestShortNapBelowThresholdNotSignificant(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	// 4 minutes: persisted but below the 5-minute cascade threshold.
	stats, significant, err := r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "nap-1", day, domain.SegmentNap, 240)},
		nil, domain.Full(), day)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Inserted)
	require.False(t, significant)

	// 5 minutes crosses it.
	_, significant, err = r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "nap-2", day, domain.SegmentNap, 300)},
		nil, domain.Full(), day)
	require.NoError(t, err)
	require.True(t, significant)
}

func TestDurationDriftSignificance(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	_, _, err := r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600)},
		nil, domain.Full(), day)
	require.NoError(t, err)

	// 2 minutes longer: written, not significant.
	_, significant, err := r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600+120)},
		nil, domain.Full(), day)
	require.NoError(t, err)
	require.False(t, significant)
	require.Equal(t, 1, store.updated)

	// 5 more minutes: significant.
	_, significant, err = r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600+420)},
		nil, domain.Full(), day)
	require.NoError(t, err)
	require.True(t, significant)
}

func TestBaseScoreDriftSignificance(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	seed := []domain.SleepSegment{segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600)}
	_, _, err := r.Reconcile(context.Background(), seed, map[time.Time]int{day: 80}, domain.Full(), day)
	require.NoError(t, err)

	// +2 points: below threshold.
	_, significant, err := r.Reconcile(context.Background(), seed, map[time.Time]int{day: 82}, domain.Full(), day)
	require.NoError(t, err)
	require.False(t, significant)

	// +3 from the stored value: significant.
	_, significant, err = r.Reconcile(context.Background(), seed, map[time.Time]int{day: 85}, domain.Full(), day)
	require.NoError(t, err)
	require.True(t, significant)
}

func TestEmbeddedReadinessChangeIsAlwaysSignificant(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	first := segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600)
	readiness := 70
	first.EmbeddedReadiness = &readiness
	_, _, err := r.Reconcile(context.Background(), []domain.SleepSegment{first}, nil, domain.Full(), day)
	require.NoError(t, err)

	second := first
	bumped := 71
	second.EmbeddedReadiness = &bumped
	_, significant, err := r.Reconcile(context.Background(), []domain.SleepSegment{second}, nil, domain.Full(), day)
	require.NoError(t, err)
	require.True(t, significant, "a one-point readiness move still matters downstream")
}

func TestStaleSegmentInsertsUnderTodayOnly(t *testing.T) {
	store := newStubSegmentStore()
	r := NewSleepReconciler(store, WithSleepLogger(testLogger(t)))
	userID := uuid.New()
	today := mustDay(t, "2026-03-10")
	stale := mustDay(t, "2026-02-20")

	stats, _, err := r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-old", stale, domain.SegmentPrimary, 6*3600)},
		nil, domain.TodayOnly(), today)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Inserted)

	// Updates to that stale row are gated.
	_, _, err = r.Reconcile(context.Background(),
		[]domain.SleepSegment{segment(userID, "sleep-old", stale, domain.SegmentPrimary, 7*3600)},
		nil, domain.TodayOnly(), today)
	require.NoError(t, err)
	require.Equal(t, 0, store.updated)
}

func TestDisplayScoreFallbacks(t *testing.T) {
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")
	prevDay := mustDay(t, "2026-03-09")

	base := 78
	primary := segment(userID, "sleep-1", day, domain.SegmentPrimary, 7*3600)
	primary.BaseScore = &base

	score, ok := DisplayScore([]domain.SleepSegment{primary}, nil)
	require.True(t, ok)
	require.Equal(t, 78, score)

	// No primary today: longest scored segment wins.
	napScore := 60
	shortNap := segment(userID, "nap-1", day, domain.SegmentNap, 1200)
	shortNap.BaseScore = &napScore
	longScore := 65
	longNap := segment(userID, "nap-2", day, domain.SegmentNap, 3600)
	longNap.BaseScore = &longScore

	score, ok = DisplayScore([]domain.SleepSegment{shortNap, longNap}, nil)
	require.True(t, ok)
	require.Equal(t, 65, score)

	// Nothing today: previous day's primary.
	prevBase := 81
	prevPrimary := segment(userID, "sleep-0", prevDay, domain.SegmentPrimary, 7*3600)
	prevPrimary.BaseScore = &prevBase

	score, ok = DisplayScore(nil, []domain.SleepSegment{prevPrimary})
	require.True(t, ok)
	require.Equal(t, 81, score)

	_, ok = DisplayScore(nil, nil)
	require.False(t, ok)
}
