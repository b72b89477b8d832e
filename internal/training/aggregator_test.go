package training

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

func mustDay(t *testing.T, label string) time.Time {
	t.Helper()
	d, err := domain.ParseDay(label)
	require.NoError(t, err)
	return d
}

func session(durationMin int, zoneSec [5]int) domain.ExerciseSession {
	return domain.ExerciseSession{
		ExternalID:  uuid.NewString(),
		DurationSec: durationMin * 60,
		ZoneSec:     zoneSec,
	}
}

func TestSessionLoadPrefersVendorCardioLoad(t *testing.T) {
	load := 87.5
	s := session(60, [5]int{600, 600, 600, 600, 600})
	s.CardioLoad = &load
	require.Equal(t, 87.5, SessionLoad(s))
}

func TestSessionLoadZoneWeightedFallback(t *testing.T) {
	// 10 min in each zone: 10*(1.0+1.25+1.5+1.75+2.0) = 75 weighted minutes.
	s := session(50, [5]int{600, 600, 600, 600, 600})
	require.Equal(t, 75.0, SessionLoad(s))
}

func TestCalculateDailyEmptyIsNil(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	require.Nil(t, a.CalculateDaily(uuid.New(), mustDay(t, "2026-03-10"), nil, nil))
}

func TestCalculateDailyAggregates(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	cal1, cal2 := 300, 450
	hr1, hr2 := 140, 150
	s1 := session(45, [5]int{300, 1800, 600, 0, 0})
	s1.Calories = &cal1
	s1.AvgHR = &hr1
	s2 := session(30, [5]int{0, 900, 600, 180, 120})
	s2.Calories = &cal2
	s2.AvgHR = &hr2

	summary := a.CalculateDaily(userID, day, []domain.ExerciseSession{s1, s2}, nil)
	require.NotNil(t, summary)
	require.Equal(t, 75, summary.TotalDurationMin)
	require.Equal(t, 45, summary.Zone2Min)
	require.Equal(t, 5, summary.HighIntensityMin)
	require.Equal(t, 2, summary.Sessions)
	require.Equal(t, 750, *summary.TotalCalories)
	require.Equal(t, 145, *summary.AvgHR)

	// s1: (300*1.0 + 1800*1.25 + 600*1.5)/60 = 57.5
	// s2: (900*1.25 + 600*1.5 + 180*1.75 + 120*2.0)/60 = 43.0
	require.Equal(t, 100.5, summary.LoadScore)

	require.False(t, summary.Flags.Zone2Low, "45 zone-2 minutes meets the floor")
	require.False(t, summary.Flags.HighExcessive, "5 high minutes is at, not over, the cap")
}

func TestCalculateDailyFlags(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")

	summary := a.CalculateDaily(userID, day, []domain.ExerciseSession{
		session(30, [5]int{600, 600, 0, 300, 120}), // 10 zone-2 min, 7 high min
	}, nil)
	require.NotNil(t, summary)
	require.True(t, summary.Flags.Zone2Low)
	require.True(t, summary.Flags.HighExcessive)
	require.False(t, summary.Flags.ConsecutiveHigh)
}

func TestConsecutiveHighRequiresUnbrokenRun(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	userID := uuid.New()
	day := mustDay(t, "2026-03-10")
	highDay := []domain.ExerciseSession{session(30, [5]int{0, 0, 0, 300, 120})} // 7 high min

	run := func(history ...domain.DailyTrainingSummary) bool {
		summary := a.CalculateDaily(userID, day, highDay, history)
		return summary.Flags.ConsecutiveHigh
	}
	hi := func(label string, highMin int) domain.DailyTrainingSummary {
		return domain.DailyTrainingSummary{UserID: userID, Day: mustDay(t, label), HighIntensityMin: highMin}
	}

	require.False(t, run(), "no history: run of one")
	require.False(t, run(hi("2026-03-09", 8)), "run of two")
	require.True(t, run(hi("2026-03-09", 8), hi("2026-03-08", 6)))

	// Two high days with a rest day between them are not a run, even though
	// three high days exist in the trailing window.
	require.False(t, run(hi("2026-03-08", 8), hi("2026-03-07", 9)))

	// A low day in the middle breaks the run the same way.
	require.False(t, run(hi("2026-03-09", 2), hi("2026-03-08", 9)))
}

func TestCalculateWeekly(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	userID := uuid.New()
	weekStart := mustDay(t, "2026-03-09") // a Monday

	dailies := []domain.DailyTrainingSummary{
		{UserID: userID, Day: mustDay(t, "2026-03-09"), TotalDurationMin: 60, Zone2Min: 40, HighIntensityMin: 3, LoadScore: 70.5},
		{UserID: userID, Day: mustDay(t, "2026-03-11"), TotalDurationMin: 45, Zone2Min: 30, HighIntensityMin: 6, LoadScore: 55.25},
		// Outside the week: ignored.
		{UserID: userID, Day: mustDay(t, "2026-03-16"), TotalDurationMin: 90, Zone2Min: 60, LoadScore: 90},
	}

	summary := a.CalculateWeekly(userID, weekStart, dailies)
	require.NotNil(t, summary)
	require.Equal(t, 105, summary.TotalDurationMin)
	require.Equal(t, 70, summary.Zone2Min)
	require.Equal(t, 9, summary.HighIntensityMin)
	require.Equal(t, 125.75, summary.WeeklyLoad)
	require.Equal(t, 2, summary.TrainingDays)
	require.Equal(t, 5, summary.RestDays)
}

func TestCalculateWeeklyEmptyIsNil(t *testing.T) {
	a := NewAggregator(DefaultTargets())
	require.Nil(t, a.CalculateWeekly(uuid.New(), mustDay(t, "2026-03-09"), nil))
}
