// Package sleepdebt estimates accumulated sleep debt against a personal
// baseline. Estimates are computed fresh from night history on every call and
// never persisted.
package sleepdebt

import (
	"log"
	"math"
	"sort"
	"time"

	"example.com/healthsync/internal/domain"
)

const (
	baselineWindowDays = 90
	recentWindowDays   = 14

	// Nights outside three to twelve hours are discarded before the baseline
	// is computed; they are trackers left on a shelf, not sleep.
	minPlausibleMinutes = 180
	maxPlausibleMinutes = 720

	minBaselineNights = 30
	// If the IQR filter leaves fewer than this many nights the unfiltered
	// set is used instead.
	minFilteredNights = 20
	minRecentNights   = 5
	trendShiftMinutes = 15
)

// Night is one observed sleep duration attributed to a calendar day.
type Night struct {
	Day         time.Time
	DurationSec int
}

// Estimator derives debt estimates from night history.
type Estimator struct {
	logger *log.Logger
}

// Option configures optional estimator behaviour.
type Option func(*Estimator)

// WithLogger overrides the logger used to report degraded estimates.
func WithLogger(logger *log.Logger) Option {
	return func(e *Estimator) { e.logger = logger }
}

// New constructs an Estimator.
func New(opts ...Option) *Estimator {
	e := &Estimator{logger: log.New(log.Writer(), "[sleepdebt] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Baseline computes the personal sleep need in minutes: the mean of the
// trailing 90 days of plausible nights, with IQR outliers removed. The second
// return is false when fewer than 30 plausible nights exist.
func (e *Estimator) Baseline(nights []Night, today time.Time) (int, bool) {
	earliest := today.AddDate(0, 0, -(baselineWindowDays - 1))

	var durations []float64
	for _, night := range nights {
		if night.Day.Before(earliest) || night.Day.After(today) {
			continue
		}
		minutes := float64(night.DurationSec) / 60
		if minutes < minPlausibleMinutes || minutes > maxPlausibleMinutes {
			continue
		}
		durations = append(durations, minutes)
	}

	if len(durations) < minBaselineNights {
		return 0, false
	}

	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	q1 := percentile(sorted, 25)
	q3 := percentile(sorted, 75)
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	filtered := durations[:0:0]
	for _, d := range durations {
		if d >= lower && d <= upper {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) < minFilteredNights {
		e.logger.Printf("baseline outlier filter left %d nights, using unfiltered set", len(filtered))
		filtered = durations
	}

	return int(mean(filtered)), true
}

// Estimate computes the weighted sleep debt for the 14 days ending today.
// When the baseline cannot be established, or fewer than 5 recent nights
// exist, the estimate is returned with Insufficient set rather than an error.
func (e *Estimator) Estimate(nights []Night, today time.Time) domain.DebtEstimate {
	baseline, ok := e.Baseline(nights, today)
	if !ok {
		return domain.DebtEstimate{Insufficient: true, Quality: domain.QualityInsufficient}
	}

	recent := recentNights(nights, today)
	if len(recent) < minRecentNights {
		return domain.DebtEstimate{
			Insufficient:    true,
			BaselineMinutes: baseline,
			Quality:         domain.QualityInsufficient,
		}
	}

	// Recency-weighted debt: the newest night carries weight 1.0, decaying
	// linearly to 0.5 at the far edge of the window.
	weightedDebt := 0.0
	totalWeight := 0.0
	sumMinutes := 0.0
	for i, night := range recent {
		minutes := float64(night.DurationSec) / 60
		sumMinutes += minutes
		weight := 1.0 - float64(i)*0.5/float64(recentWindowDays-1)
		weightedDebt += (float64(baseline) - minutes) * weight
		totalWeight += weight
	}
	debt := int(weightedDebt / totalWeight)

	return domain.DebtEstimate{
		BaselineMinutes:  baseline,
		RecentAvgMinutes: int(sumMinutes / float64(len(recent))),
		DebtMinutes:      debt,
		Trend:            trend(recent),
		BalanceScore:     balanceScore(debt),
		Quality:          grade(len(recent)),
	}
}

// recentNights returns the nights of the trailing 14-day window, newest
// first.
func recentNights(nights []Night, today time.Time) []Night {
	earliest := today.AddDate(0, 0, -(recentWindowDays - 1))

	var recent []Night
	for _, night := range nights {
		if night.Day.Before(earliest) || night.Day.After(today) {
			continue
		}
		recent = append(recent, night)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[j].Day.Before(recent[i].Day) })
	return recent
}

// trend compares the newest three nights against the four before them. Fewer
// than seven nights reads as stable.
func trend(recent []Night) domain.DebtTrend {
	if len(recent) < 7 {
		return domain.TrendStable
	}
	recentAvg := meanMinutes(recent[:3])
	previousAvg := meanMinutes(recent[3:7])
	switch {
	case recentAvg > previousAvg+trendShiftMinutes:
		return domain.TrendImproving
	case recentAvg < previousAvg-trendShiftMinutes:
		return domain.TrendWorsening
	default:
		return domain.TrendStable
	}
}

// balanceScore maps debt minutes onto a 0-100 score: an hour of surplus is a
// perfect 100, balance sits at 85, and two hours of debt bottoms out at 0.
func balanceScore(debtMinutes int) int {
	switch {
	case debtMinutes <= -60:
		return 100
	case debtMinutes >= 120:
		return 0
	case debtMinutes <= 0:
		return 85 + int(float64(-debtMinutes)/60*15)
	default:
		score := 85 - int(float64(debtMinutes)/120*85)
		if score < 0 {
			return 0
		}
		return score
	}
}

func grade(nights int) domain.DataQuality {
	switch {
	case nights >= 12:
		return domain.QualityGood
	case nights >= 8:
		return domain.QualityModerate
	default:
		return domain.QualityLimited
	}
}

// percentile interpolates linearly between closest ranks; input must be
// sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanMinutes(nights []Night) float64 {
	sum := 0.0
	for _, night := range nights {
		sum += float64(night.DurationSec) / 60
	}
	return sum / float64(len(nights))
}
