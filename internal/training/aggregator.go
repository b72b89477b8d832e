// Package training derives load summaries and risk flags from exercise
// sessions.
package training

import (
	"math"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// trimpZoneWeights are the per-minute load weights for heart-rate zones 1-5.
var trimpZoneWeights = [5]float64{1.0, 1.25, 1.5, 1.75, 2.0}

// Targets hold the flag thresholds, in minutes per day.
type Targets struct {
	// Zone2LowMin flags a training day whose zone-2 volume fell short.
	Zone2LowMin int
	// HighMaxMin flags a day whose zone-4/5 volume exceeded the cap; the
	// same threshold feeds the consecutive-high run check.
	HighMaxMin int
	// ConsecutiveDays is the run length that flags sustained high intensity.
	ConsecutiveDays int
}

// DefaultTargets returns the standard thresholds.
func DefaultTargets() Targets {
	return Targets{Zone2LowMin: 45, HighMaxMin: 5, ConsecutiveDays: 3}
}

// Aggregator recomputes training summaries wholesale from their inputs; it
// never patches a stored summary incrementally.
type Aggregator struct {
	targets Targets
}

// NewAggregator constructs an Aggregator with the given thresholds.
func NewAggregator(targets Targets) *Aggregator {
	return &Aggregator{targets: targets}
}

// SessionLoad returns the session's training load: the vendor's cardio load
// when present, otherwise a zone-weighted TRIMP in weighted minutes.
func SessionLoad(session domain.ExerciseSession) float64 {
	if session.CardioLoad != nil && *session.CardioLoad > 0 {
		return *session.CardioLoad
	}
	load := 0.0
	for i, sec := range session.ZoneSec {
		load += float64(sec) * trimpZoneWeights[i]
	}
	return round2(load / 60)
}

// CalculateDaily folds one day's sessions into a summary. It returns nil when
// the day has no sessions; a rest day has no summary rather than a zero one.
// history supplies prior days' summaries for the consecutive-high run check
// and may be in any order.
func (a *Aggregator) CalculateDaily(userID uuid.UUID, day time.Time, sessions []domain.ExerciseSession, history []domain.DailyTrainingSummary) *domain.DailyTrainingSummary {
	if len(sessions) == 0 {
		return nil
	}

	summary := domain.DailyTrainingSummary{
		UserID:   userID,
		Day:      day,
		Sessions: len(sessions),
	}

	totalDurationSec := 0
	zone2Sec := 0
	highSec := 0
	calories := 0
	hrSum, hrCount := 0, 0
	load := 0.0

	for _, session := range sessions {
		totalDurationSec += session.DurationSec
		zone2Sec += session.ZoneSec[1]
		highSec += session.ZoneSec[3] + session.ZoneSec[4]
		if session.Calories != nil {
			calories += *session.Calories
		}
		if session.AvgHR != nil {
			hrSum += *session.AvgHR
			hrCount++
		}
		load += SessionLoad(session)
	}

	summary.TotalDurationMin = totalDurationSec / 60
	summary.Zone2Min = zone2Sec / 60
	summary.HighIntensityMin = highSec / 60
	summary.LoadScore = round2(load)
	if calories > 0 {
		summary.TotalCalories = &calories
	}
	if hrCount > 0 {
		avg := hrSum / hrCount
		summary.AvgHR = &avg
	}

	summary.Flags = a.assessFlags(summary, history)
	return &summary
}

// CalculateWeekly folds the daily summaries of one Monday-anchored week. It
// returns nil when no day in the week trained.
func (a *Aggregator) CalculateWeekly(userID uuid.UUID, weekStart time.Time, dailies []domain.DailyTrainingSummary) *domain.WeeklyTrainingSummary {
	weekEnd := weekStart.AddDate(0, 0, 6)

	summary := domain.WeeklyTrainingSummary{
		UserID:    userID,
		WeekStart: weekStart,
	}
	for _, daily := range dailies {
		if daily.Day.Before(weekStart) || daily.Day.After(weekEnd) {
			continue
		}
		summary.TotalDurationMin += daily.TotalDurationMin
		summary.Zone2Min += daily.Zone2Min
		summary.HighIntensityMin += daily.HighIntensityMin
		summary.WeeklyLoad += daily.LoadScore
		summary.TrainingDays++
	}
	if summary.TrainingDays == 0 {
		return nil
	}
	summary.WeeklyLoad = round2(summary.WeeklyLoad)
	summary.RestDays = 7 - summary.TrainingDays
	return &summary
}

func (a *Aggregator) assessFlags(today domain.DailyTrainingSummary, history []domain.DailyTrainingSummary) domain.TrainingFlags {
	var flags domain.TrainingFlags
	if today.Zone2Min < a.targets.Zone2LowMin {
		flags.Zone2Low = true
	}
	if today.HighIntensityMin > a.targets.HighMaxMin {
		flags.HighExcessive = true
	}
	flags.ConsecutiveHigh = a.consecutiveHighRun(today, history) >= a.targets.ConsecutiveDays
	return flags
}

// consecutiveHighRun counts the unbroken run of high-intensity days ending
// today. A day with no summary, or one at or under the threshold, breaks the
// run; a gap in the calendar is a rest day, never high.
func (a *Aggregator) consecutiveHighRun(today domain.DailyTrainingSummary, history []domain.DailyTrainingSummary) int {
	if today.HighIntensityMin <= a.targets.HighMaxMin {
		return 0
	}

	byDay := make(map[time.Time]domain.DailyTrainingSummary, len(history))
	for _, summary := range history {
		byDay[summary.Day] = summary
	}

	run := 1
	for d := today.Day.AddDate(0, 0, -1); ; d = d.AddDate(0, 0, -1) {
		prior, ok := byDay[d]
		if !ok || prior.HighIntensityMin <= a.targets.HighMaxMin {
			break
		}
		run++
	}
	return run
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
