// Package pipeline orchestrates sync passes: token, fetch, reconcile,
// aggregate, signal. Each user's pass runs in its own transaction; one user
// failing never touches another's data.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/integrations/oura"
	"example.com/healthsync/internal/integrations/polar"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/reconcile"
	"example.com/healthsync/internal/sleepdebt"
	"example.com/healthsync/internal/training"
)

// Queries is the transactional persistence surface a sync pass writes
// through. *postgres.Queries satisfies it.
type Queries interface {
	reconcile.EntityStore
	reconcile.SegmentStore
	SegmentsBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.SleepSegment, error)
	ExercisesBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.ExerciseSession, error)
	DailySummariesBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.DailyTrainingSummary, error)
	UpsertDailySummary(ctx context.Context, summary domain.DailyTrainingSummary) error
	UpsertWeeklySummary(ctx context.Context, summary domain.WeeklyTrainingSummary) error
	SaveWatermark(ctx context.Context, mark domain.SyncWatermark) error
	AppendEvent(ctx context.Context, eventType, topic, partitionKey string, payload any) error
}

// Database provides user lookup and transaction scoping.
type Database interface {
	Users(ctx context.Context) ([]domain.User, error)
	User(ctx context.Context, id uuid.UUID) (domain.User, error)
	WithinTx(ctx context.Context, fn func(q Queries) error) error
}

type ouraClient interface {
	FetchDailyData(ctx context.Context, accessToken string, start, end time.Time) (oura.DailyData, error)
}

type polarClient interface {
	Exercises(ctx context.Context, accessToken string, start, end time.Time) ([]polar.Exercise, error)
	Nights(ctx context.Context, accessToken string, start, end time.Time) ([]polar.Night, error)
	Recharges(ctx context.Context, accessToken string, start, end time.Time) ([]polar.Recharge, error)
}

type tokenSource interface {
	AccessToken(ctx context.Context, userID uuid.UUID, source domain.Source) (string, error)
}

// Runner drives sync passes across users and sources.
type Runner struct {
	db         Database
	tokens     tokenSource
	oura       ouraClient
	polar      polarClient
	aggregator *training.Aggregator
	estimator  *sleepdebt.Estimator
	defaultTZ  string
	now        func() time.Time
	logger     *log.Logger
}

// Option configures optional runner behaviour.
type Option func(*Runner)

// WithLogger overrides the runner's logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner constructs a Runner.
func NewRunner(db Database, tokens tokenSource, ouraClient ouraClient, polarClient polarClient, defaultTZ string, opts ...Option) *Runner {
	r := &Runner{
		db:         db,
		tokens:     tokens,
		oura:       ouraClient,
		polar:      polarClient,
		aggregator: training.NewAggregator(training.DefaultTargets()),
		estimator:  sleepdebt.New(),
		defaultTZ:  defaultTZ,
		now:        time.Now,
		logger:     log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ScheduledPolicy is the refresh policy of the hourly pass: rewrite the
// trailing window wholesale.
func ScheduledPolicy(windowDays int) domain.RefreshPolicy {
	return domain.RecentWindow(windowDays)
}

// PollPolicy is the refresh policy of the frequent pass: a short window that
// catches same-day and overnight drift cheaply.
func PollPolicy(windowDays int) domain.RefreshPolicy {
	return domain.RecentWindow(windowDays)
}

// ManualPolicy is the refresh policy of an operator-initiated pass. Force
// rewrites everything in range; otherwise existing rows are left alone.
func ManualPolicy(force bool) domain.RefreshPolicy {
	if force {
		return domain.Full()
	}
	return domain.InsertOnly()
}

// SyncAll runs one pass over every active user. Per-user failures are
// collected, never fatal to the batch.
func (r *Runner) SyncAll(ctx context.Context, windowDays int, policy domain.RefreshPolicy) error {
	users, err := r.db.Users(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, user := range users {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
		report, err := r.SyncUser(ctx, user, windowDays, policy)
		if err != nil {
			r.logger.Printf("user %s sync failed: %v", user.ID, err)
			observability.RecordSyncFailure()
			errs = errors.Join(errs, fmt.Errorf("user %s: %w", user.ID, err))
			continue
		}
		observability.RecordSyncReport(report)
	}
	return errs
}

// SyncUser runs one pass for one user: fetch both vendors, reconcile inside a
// single transaction, recompute summaries for the window, and append the
// significant-change event when warranted.
func (r *Runner) SyncUser(ctx context.Context, user domain.User, windowDays int, policy domain.RefreshPolicy) (domain.SyncReport, error) {
	report := domain.SyncReport{
		UserID:    user.ID,
		Stats:     make(map[domain.EntityKind]domain.UpsertStats),
		StartedAt: r.now().UTC(),
	}

	loc := r.userLocation(user)
	today := domain.DayOf(r.now(), loc)

	ouraIn, ouraErr := r.fetchOura(ctx, user, today, windowDays, loc)
	polarIn, polarErr := r.fetchPolar(ctx, user, today, windowDays)
	if ouraErr != nil && polarErr != nil {
		return report, errors.Join(ouraErr, polarErr)
	}
	for _, err := range []error{ouraErr, polarErr} {
		if err != nil {
			r.logger.Printf("user %s: %v", user.ID, err)
		}
	}

	if ouraIn == nil && polarIn == nil {
		// Nothing fetched: either no vendor is connected, or the only
		// connected vendor failed.
		if err := errors.Join(ouraErr, polarErr); err != nil {
			return report, err
		}
		report.FinishedAt = r.now().UTC()
		return report, nil
	}

	err := r.db.WithinTx(ctx, func(q Queries) error {
		if ouraIn != nil {
			if err := r.applyOura(ctx, q, &report, ouraIn, policy, today); err != nil {
				return err
			}
		}
		if polarIn != nil {
			if err := r.applyPolar(ctx, q, &report, polarIn, policy, today); err != nil {
				return err
			}
		}

		if err := r.recomputeTraining(ctx, q, user.ID, today, windowDays); err != nil {
			return err
		}

		if report.SignificantChange {
			event := outbox.SignificantChange{
				UserID:     user.ID,
				Source:     changeSource(ouraIn, polarIn),
				Day:        today,
				OccurredAt: r.now().UTC(),
			}
			if err := q.AppendEvent(ctx, outbox.EventSignificantChange, outbox.TopicSignificantChange, user.ID.String(), event); err != nil {
				return err
			}
		}

		for _, in := range []*vendorInput{ouraIn, polarIn} {
			if in == nil {
				continue
			}
			mark := domain.SyncWatermark{UserID: user.ID, Source: in.source, LastSyncedAt: r.now().UTC()}
			if err := q.SaveWatermark(ctx, mark); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.FinishedAt = r.now().UTC()
	return report, nil
}

// SleepDebt computes the current debt estimate for a user from stored
// primary-night history.
func (r *Runner) SleepDebt(ctx context.Context, userID uuid.UUID) (domain.DebtEstimate, error) {
	user, err := r.db.User(ctx, userID)
	if err != nil {
		return domain.DebtEstimate{}, err
	}
	today := domain.DayOf(r.now(), r.userLocation(user))

	var estimate domain.DebtEstimate
	err = r.db.WithinTx(ctx, func(q Queries) error {
		segments, err := q.SegmentsBetween(ctx, userID, today.AddDate(0, 0, -89), today)
		if err != nil {
			return err
		}
		var nights []sleepdebt.Night
		for _, segment := range segments {
			if segment.Type != domain.SegmentPrimary {
				continue
			}
			nights = append(nights, sleepdebt.Night{Day: segment.Day, DurationSec: segment.DurationSec})
		}
		estimate = r.estimator.Estimate(nights, today)
		return nil
	})
	return estimate, err
}

// vendorInput is one vendor's normalized fetch result.
type vendorInput struct {
	source      domain.Source
	records     []domain.ExternalRecord
	segments    []domain.SleepSegment
	dailyScores map[time.Time]int
}

// fetchOura pulls the Oura window. Oura's range is right-open, so reaching
// today requires requesting end = today + 1.
func (r *Runner) fetchOura(ctx context.Context, user domain.User, today time.Time, windowDays int, loc *time.Location) (*vendorInput, error) {
	accessToken, err := r.tokens.AccessToken(ctx, user.ID, domain.SourceOura)
	if errors.Is(err, domain.ErrNoCredentials) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oura token: %w", err)
	}

	start := today.AddDate(0, 0, -(windowDays - 1))
	end := today.AddDate(0, 0, 1)
	data, err := r.oura.FetchDailyData(ctx, accessToken, start, end)
	if err != nil {
		return nil, fmt.Errorf("oura fetch: %w", err)
	}

	in := &vendorInput{
		source:      domain.SourceOura,
		records:     oura.NormalizeDaily(user.ID, data),
		segments:    oura.NormalizeSegments(user.ID, data.SleepDetails, loc),
		dailyScores: make(map[time.Time]int),
	}
	for _, summary := range data.DailySleep {
		day, err := domain.ParseDay(summary.Day)
		if err != nil || summary.Score == nil {
			continue
		}
		in.dailyScores[day] = *summary.Score
	}
	return in, nil
}

// fetchPolar pulls the Polar window. Polar ranges are closed on both ends,
// and each stream fails independently, like the Oura daily endpoints.
func (r *Runner) fetchPolar(ctx context.Context, user domain.User, today time.Time, windowDays int) (*vendorInput, error) {
	accessToken, err := r.tokens.AccessToken(ctx, user.ID, domain.SourcePolar)
	if errors.Is(err, domain.ErrNoCredentials) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("polar token: %w", err)
	}

	start := today.AddDate(0, 0, -(windowDays - 1))
	end := today

	in := &vendorInput{source: domain.SourcePolar}
	var errs []error

	if exercises, err := r.polar.Exercises(ctx, accessToken, start, end); err != nil {
		r.logger.Printf("user %s: polar exercises unavailable: %v", user.ID, err)
		errs = append(errs, fmt.Errorf("polar exercises: %w", err))
	} else {
		in.records = append(in.records, polar.NormalizeExercises(user.ID, exercises)...)
	}

	if nights, err := r.polar.Nights(ctx, accessToken, start, end); err != nil {
		r.logger.Printf("user %s: polar nights unavailable: %v", user.ID, err)
		errs = append(errs, fmt.Errorf("polar nights: %w", err))
	} else {
		in.records = append(in.records, polar.NormalizeNights(user.ID, nights)...)
	}

	if recharges, err := r.polar.Recharges(ctx, accessToken, start, end); err != nil {
		r.logger.Printf("user %s: polar recharges unavailable: %v", user.ID, err)
		errs = append(errs, fmt.Errorf("polar recharges: %w", err))
	} else {
		in.records = append(in.records, polar.NormalizeRecharges(user.ID, recharges)...)
	}

	// Only a wholesale failure sinks the vendor; a single endpoint being down
	// still lands the other streams' records.
	if len(errs) == 3 {
		return nil, fmt.Errorf("polar fetch: %w", errors.Join(errs...))
	}
	return in, nil
}

func (r *Runner) applyOura(ctx context.Context, q Queries, report *domain.SyncReport, in *vendorInput, policy domain.RefreshPolicy, today time.Time) error {
	entities := reconcile.NewEntityReconciler(q, reconcile.WithEntityLogger(r.logger))
	stats, scoreSignificant, err := entities.Reconcile(ctx, in.records, policy, today)
	if err != nil {
		return err
	}
	for kind, s := range stats {
		report.Merge(kind, s, kind == domain.KindDailySleepScore && scoreSignificant)
	}

	sleep := reconcile.NewSleepReconciler(q, reconcile.WithSleepLogger(r.logger))
	segStats, significant, err := sleep.Reconcile(ctx, in.segments, in.dailyScores, policy, today)
	if err != nil {
		return err
	}
	report.Merge(domain.KindSleepSegment, segStats, significant)
	return nil
}

func (r *Runner) applyPolar(ctx context.Context, q Queries, report *domain.SyncReport, in *vendorInput, policy domain.RefreshPolicy, today time.Time) error {
	entities := reconcile.NewEntityReconciler(q, reconcile.WithEntityLogger(r.logger))
	stats, _, err := entities.Reconcile(ctx, in.records, policy, today)
	if err != nil {
		return err
	}
	for kind, s := range stats {
		// New exercise sessions and recovery records feed the cascade the
		// same way sleep changes do.
		significant := (s.Inserted > 0 || s.Updated > 0) &&
			(kind == domain.KindExercise || kind == domain.KindNightlyRecovery)
		report.Merge(kind, s, significant)
	}
	return nil
}

// recomputeTraining rebuilds daily summaries for every day of the window and
// the weekly summaries they fall into, then announces the recomputation.
func (r *Runner) recomputeTraining(ctx context.Context, q Queries, userID uuid.UUID, today time.Time, windowDays int) error {
	start := today.AddDate(0, 0, -(windowDays - 1))

	sessions, err := q.ExercisesBetween(ctx, userID, start, today)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	byDay := make(map[time.Time][]domain.ExerciseSession)
	for _, session := range sessions {
		day := domain.DayOf(session.Start, time.UTC)
		byDay[day] = append(byDay[day], session)
	}

	// Prior summaries feed the consecutive-high run check.
	history, err := q.DailySummariesBetween(ctx, userID, start.AddDate(0, 0, -7), today)
	if err != nil {
		return err
	}

	weeks := make(map[time.Time]bool)
	for day := start; !day.After(today); day = day.AddDate(0, 0, 1) {
		daySessions, ok := byDay[day]
		if !ok {
			continue
		}
		summary := r.aggregator.CalculateDaily(userID, day, daySessions, history)
		if summary == nil {
			continue
		}
		if err := q.UpsertDailySummary(ctx, *summary); err != nil {
			return err
		}
		// Later days in the window see this day's fresh summary.
		history = append(history, *summary)
		weeks[domain.WeekStart(day)] = true

		event := outbox.SummaryRecomputed{
			UserID:     userID,
			Day:        day,
			LoadScore:  summary.LoadScore,
			OccurredAt: r.now().UTC(),
		}
		if err := q.AppendEvent(ctx, outbox.EventSummaryRecomputed, outbox.TopicSummaryRecomputed, userID.String(), event); err != nil {
			return err
		}
	}

	for weekStart := range weeks {
		dailies, err := q.DailySummariesBetween(ctx, userID, weekStart, weekStart.AddDate(0, 0, 6))
		if err != nil {
			return err
		}
		weekly := r.aggregator.CalculateWeekly(userID, weekStart, dailies)
		if weekly == nil {
			continue
		}
		if err := q.UpsertWeeklySummary(ctx, *weekly); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) userLocation(user domain.User) *time.Location {
	tz := user.Timezone
	if tz == "" {
		tz = r.defaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.logger.Printf("user %s: invalid timezone %q, using %s", user.ID, tz, r.defaultTZ)
		loc, err = time.LoadLocation(r.defaultTZ)
		if err != nil {
			loc = time.UTC
		}
	}
	return loc
}

func changeSource(ouraIn, polarIn *vendorInput) string {
	switch {
	case ouraIn != nil && polarIn != nil:
		return "all"
	case ouraIn != nil:
		return string(domain.SourceOura)
	default:
		return string(domain.SourcePolar)
	}
}
