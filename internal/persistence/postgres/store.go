// Package postgres provides the canonical store for reconciled health
// telemetry.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/token"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so the same queries run
// inside and outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides Postgres-backed persistence for canonical entities, sleep
// segments, exercise sessions, training summaries, credentials, and the
// outbox.
type Store struct {
	pool *pgxpool.Pool
	Queries
}

// Queries is the query surface; it is embedded in Store for pool-backed
// access and handed to WithinTx callbacks bound to a transaction.
type Queries struct {
	db dbtx
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, Queries: Queries{db: pool}}
}

// WithinTx runs fn inside a single transaction. A non-nil error from fn rolls
// everything back, so one user's partial sync never becomes visible.
func (s *Store) WithinTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Users lists the active users to sync.
func (q *Queries) Users(ctx context.Context) ([]domain.User, error) {
	const query = `SELECT id, timezone FROM users WHERE active ORDER BY id`

	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Timezone); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// User fetches one user.
func (q *Queries) User(ctx context.Context, id uuid.UUID) (domain.User, error) {
	const query = `SELECT id, timezone FROM users WHERE id=$1`

	var u domain.User
	if err := q.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Timezone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, err
	}
	return u, nil
}

// Credential implements token.Store.
func (q *Queries) Credential(ctx context.Context, userID uuid.UUID, source domain.Source) (*token.Credential, error) {
	const query = `SELECT user_id, source, access_token, refresh_token, expires_at, active, updated_at
        FROM credentials WHERE user_id=$1 AND source=$2`

	var cred token.Credential
	err := q.db.QueryRow(ctx, query, userID, source).Scan(
		&cred.UserID, &cred.Source, &cred.AccessToken, &cred.RefreshToken,
		&cred.ExpiresAt, &cred.Active, &cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SaveCredential implements token.Store.
func (q *Queries) SaveCredential(ctx context.Context, cred token.Credential) error {
	const stmt = `INSERT INTO credentials (user_id, source, access_token, refresh_token, expires_at, active, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,NOW())
        ON CONFLICT (user_id, source) DO UPDATE SET
            access_token=EXCLUDED.access_token,
            refresh_token=EXCLUDED.refresh_token,
            expires_at=EXCLUDED.expires_at,
            active=EXCLUDED.active,
            updated_at=NOW()`

	_, err := q.db.Exec(ctx, stmt,
		cred.UserID, cred.Source, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Active)
	return err
}

// Entity fetches one canonical entity by its idempotency key.
func (q *Queries) Entity(ctx context.Context, userID uuid.UUID, source domain.Source, externalID string) (*domain.CanonicalEntity, error) {
	const query = `SELECT user_id, source, kind, external_id, day, score, duration_sec, payload, created_at, updated_at
        FROM entities WHERE user_id=$1 AND source=$2 AND external_id=$3`

	var e domain.CanonicalEntity
	err := q.db.QueryRow(ctx, query, userID, source, externalID).Scan(
		&e.UserID, &e.Source, &e.Kind, &e.ExternalID, &e.Day,
		&e.Score, &e.DurationSec, &e.Payload, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEntity persists a new canonical entity. Exercise records also land in
// their typed table in the same statement batch.
func (q *Queries) InsertEntity(ctx context.Context, record domain.ExternalRecord) error {
	const stmt = `INSERT INTO entities (user_id, source, kind, external_id, day, score, duration_sec, payload, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())`

	if _, err := q.db.Exec(ctx, stmt,
		record.UserID, record.Source, record.Kind, record.ExternalID,
		record.Day, record.Score, record.DurationSec, record.Payload,
	); err != nil {
		return err
	}
	return q.upsertExercise(ctx, record)
}

// UpdateEntity rewrites an existing canonical entity.
func (q *Queries) UpdateEntity(ctx context.Context, record domain.ExternalRecord) error {
	const stmt = `UPDATE entities SET day=$4, score=$5, duration_sec=$6, payload=$7, updated_at=NOW()
        WHERE user_id=$1 AND source=$2 AND external_id=$3`

	if _, err := q.db.Exec(ctx, stmt,
		record.UserID, record.Source, record.ExternalID,
		record.Day, record.Score, record.DurationSec, record.Payload,
	); err != nil {
		return err
	}
	return q.upsertExercise(ctx, record)
}

func (q *Queries) upsertExercise(ctx context.Context, record domain.ExternalRecord) error {
	if record.Kind != domain.KindExercise || record.Exercise == nil {
		return nil
	}
	session := record.Exercise

	const stmt = `INSERT INTO exercise_sessions
            (user_id, external_id, sport_type, start_at, end_at, duration_sec, avg_hr, max_hr,
             zone1_sec, zone2_sec, zone3_sec, zone4_sec, zone5_sec, cardio_load, calories, payload, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW(),NOW())
        ON CONFLICT (user_id, external_id) DO UPDATE SET
            sport_type=EXCLUDED.sport_type,
            start_at=EXCLUDED.start_at,
            end_at=EXCLUDED.end_at,
            duration_sec=EXCLUDED.duration_sec,
            avg_hr=EXCLUDED.avg_hr,
            max_hr=EXCLUDED.max_hr,
            zone1_sec=EXCLUDED.zone1_sec,
            zone2_sec=EXCLUDED.zone2_sec,
            zone3_sec=EXCLUDED.zone3_sec,
            zone4_sec=EXCLUDED.zone4_sec,
            zone5_sec=EXCLUDED.zone5_sec,
            cardio_load=EXCLUDED.cardio_load,
            calories=EXCLUDED.calories,
            payload=EXCLUDED.payload,
            updated_at=NOW()`

	_, err := q.db.Exec(ctx, stmt,
		session.UserID, session.ExternalID, session.SportType, session.Start, session.End,
		session.DurationSec, session.AvgHR, session.MaxHR,
		session.ZoneSec[0], session.ZoneSec[1], session.ZoneSec[2], session.ZoneSec[3], session.ZoneSec[4],
		session.CardioLoad, session.Calories, session.Payload,
	)
	return err
}

// ExercisesBetween lists sessions starting inside [from, to] (whole days,
// UTC).
func (q *Queries) ExercisesBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.ExerciseSession, error) {
	const query = `SELECT external_id, user_id, sport_type, start_at, end_at, duration_sec, avg_hr, max_hr,
            zone1_sec, zone2_sec, zone3_sec, zone4_sec, zone5_sec, cardio_load, calories, payload
        FROM exercise_sessions
        WHERE user_id=$1 AND start_at >= $2 AND start_at < $3
        ORDER BY start_at`

	rows, err := q.db.Query(ctx, query, userID, from, to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ExerciseSession
	for rows.Next() {
		var s domain.ExerciseSession
		if err := rows.Scan(
			&s.ExternalID, &s.UserID, &s.SportType, &s.Start, &s.End, &s.DurationSec, &s.AvgHR, &s.MaxHR,
			&s.ZoneSec[0], &s.ZoneSec[1], &s.ZoneSec[2], &s.ZoneSec[3], &s.ZoneSec[4],
			&s.CardioLoad, &s.Calories, &s.Payload,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

const segmentColumns = `external_id, user_id, source, segment_type, day, start_at, end_at, duration_sec,
        base_score, sleep_score_delta, readiness_score_delta, deep_sleep_sec, rem_sleep_sec, light_sleep_sec,
        efficiency, contributors, embedded_readiness, payload, created_at, updated_at`

// Segment fetches one sleep segment by its idempotency key.
func (q *Queries) Segment(ctx context.Context, userID uuid.UUID, source domain.Source, externalID string) (*domain.SleepSegment, error) {
	query := `SELECT ` + segmentColumns + ` FROM sleep_segments WHERE user_id=$1 AND source=$2 AND external_id=$3`

	row := q.db.QueryRow(ctx, query, userID, source, externalID)
	segment, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return segment, nil
}

// InsertSegment persists a new sleep segment.
func (q *Queries) InsertSegment(ctx context.Context, segment domain.SleepSegment) error {
	const stmt = `INSERT INTO sleep_segments
            (external_id, user_id, source, segment_type, day, start_at, end_at, duration_sec,
             base_score, sleep_score_delta, readiness_score_delta, deep_sleep_sec, rem_sleep_sec, light_sleep_sec,
             efficiency, contributors, embedded_readiness, payload, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW(),NOW())`

	contributors, err := marshalContributors(segment.Contributors)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, stmt,
		segment.ExternalID, segment.UserID, segment.Source, segment.Type, segment.Day,
		segment.Start, segment.End, segment.DurationSec,
		segment.BaseScore, segment.SleepScoreDelta, segment.ReadinessScoreDelta,
		segment.DeepSleepSec, segment.RemSleepSec, segment.LightSleepSec,
		segment.Efficiency, contributors, segment.EmbeddedReadiness, segment.Payload,
	)
	return err
}

// UpdateSegment rewrites an existing sleep segment.
func (q *Queries) UpdateSegment(ctx context.Context, segment domain.SleepSegment) error {
	const stmt = `UPDATE sleep_segments SET
            segment_type=$4, day=$5, start_at=$6, end_at=$7, duration_sec=$8,
            base_score=$9, sleep_score_delta=$10, readiness_score_delta=$11,
            deep_sleep_sec=$12, rem_sleep_sec=$13, light_sleep_sec=$14,
            efficiency=$15, contributors=$16, embedded_readiness=$17, payload=$18, updated_at=NOW()
        WHERE user_id=$1 AND source=$2 AND external_id=$3`

	contributors, err := marshalContributors(segment.Contributors)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, stmt,
		segment.UserID, segment.Source, segment.ExternalID,
		segment.Type, segment.Day, segment.Start, segment.End, segment.DurationSec,
		segment.BaseScore, segment.SleepScoreDelta, segment.ReadinessScoreDelta,
		segment.DeepSleepSec, segment.RemSleepSec, segment.LightSleepSec,
		segment.Efficiency, contributors, segment.EmbeddedReadiness, segment.Payload,
	)
	return err
}

// SegmentsBetween lists segments attributed to days inside [from, to].
func (q *Queries) SegmentsBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.SleepSegment, error) {
	query := `SELECT ` + segmentColumns + ` FROM sleep_segments
        WHERE user_id=$1 AND day >= $2 AND day <= $3
        ORDER BY day, start_at`

	rows, err := q.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []domain.SleepSegment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *segment)
	}
	return segments, rows.Err()
}

// UpsertDailySummary replaces the training summary for one day.
func (q *Queries) UpsertDailySummary(ctx context.Context, summary domain.DailyTrainingSummary) error {
	const stmt = `INSERT INTO daily_training_summaries
            (user_id, day, total_duration_min, zone2_min, hi_min, load_score, sessions, total_calories, avg_hr, flags, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
        ON CONFLICT (user_id, day) DO UPDATE SET
            total_duration_min=EXCLUDED.total_duration_min,
            zone2_min=EXCLUDED.zone2_min,
            hi_min=EXCLUDED.hi_min,
            load_score=EXCLUDED.load_score,
            sessions=EXCLUDED.sessions,
            total_calories=EXCLUDED.total_calories,
            avg_hr=EXCLUDED.avg_hr,
            flags=EXCLUDED.flags,
            updated_at=NOW()`

	flags, err := json.Marshal(summary.Flags)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, stmt,
		summary.UserID, summary.Day, summary.TotalDurationMin, summary.Zone2Min,
		summary.HighIntensityMin, summary.LoadScore, summary.Sessions,
		summary.TotalCalories, summary.AvgHR, flags,
	)
	return err
}

// DailySummariesBetween lists daily training summaries for [from, to].
func (q *Queries) DailySummariesBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]domain.DailyTrainingSummary, error) {
	const query = `SELECT user_id, day, total_duration_min, zone2_min, hi_min, load_score, sessions, total_calories, avg_hr, flags
        FROM daily_training_summaries
        WHERE user_id=$1 AND day >= $2 AND day <= $3
        ORDER BY day`

	rows, err := q.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []domain.DailyTrainingSummary
	for rows.Next() {
		var s domain.DailyTrainingSummary
		var flags []byte
		if err := rows.Scan(
			&s.UserID, &s.Day, &s.TotalDurationMin, &s.Zone2Min, &s.HighIntensityMin,
			&s.LoadScore, &s.Sessions, &s.TotalCalories, &s.AvgHR, &flags,
		); err != nil {
			return nil, err
		}
		if len(flags) > 0 {
			if err := json.Unmarshal(flags, &s.Flags); err != nil {
				return nil, err
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// UpsertWeeklySummary replaces the training summary for one week.
func (q *Queries) UpsertWeeklySummary(ctx context.Context, summary domain.WeeklyTrainingSummary) error {
	const stmt = `INSERT INTO weekly_training_summaries
            (user_id, week_start, total_duration_min, zone2_min, hi_min, weekly_load, training_days, rest_days, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
        ON CONFLICT (user_id, week_start) DO UPDATE SET
            total_duration_min=EXCLUDED.total_duration_min,
            zone2_min=EXCLUDED.zone2_min,
            hi_min=EXCLUDED.hi_min,
            weekly_load=EXCLUDED.weekly_load,
            training_days=EXCLUDED.training_days,
            rest_days=EXCLUDED.rest_days,
            updated_at=NOW()`

	_, err := q.db.Exec(ctx, stmt,
		summary.UserID, summary.WeekStart, summary.TotalDurationMin, summary.Zone2Min,
		summary.HighIntensityMin, summary.WeeklyLoad, summary.TrainingDays, summary.RestDays,
	)
	return err
}

// SaveWatermark records the completion time of a sync pass.
func (q *Queries) SaveWatermark(ctx context.Context, mark domain.SyncWatermark) error {
	const stmt = `INSERT INTO sync_watermarks (user_id, source, last_synced_at)
        VALUES ($1,$2,$3)
        ON CONFLICT (user_id, source) DO UPDATE SET last_synced_at=EXCLUDED.last_synced_at`

	_, err := q.db.Exec(ctx, stmt, mark.UserID, mark.Source, mark.LastSyncedAt)
	return err
}

// Watermark fetches the last sync completion for a (user, source); nil when
// the pair never synced.
func (q *Queries) Watermark(ctx context.Context, userID uuid.UUID, source domain.Source) (*domain.SyncWatermark, error) {
	const query = `SELECT user_id, source, last_synced_at FROM sync_watermarks WHERE user_id=$1 AND source=$2`

	var mark domain.SyncWatermark
	err := q.db.QueryRow(ctx, query, userID, source).Scan(&mark.UserID, &mark.Source, &mark.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mark, nil
}

// SaveDebtSnapshot replaces the sleep debt snapshot for one day.
func (q *Queries) SaveDebtSnapshot(ctx context.Context, snap domain.DebtSnapshot) error {
	const stmt = `INSERT INTO sleep_debt_snapshots
            (user_id, day, baseline_min, recent_avg_min, debt_min, trend, balance_score, quality, insufficient, computed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (user_id, day) DO UPDATE SET
            baseline_min=EXCLUDED.baseline_min,
            recent_avg_min=EXCLUDED.recent_avg_min,
            debt_min=EXCLUDED.debt_min,
            trend=EXCLUDED.trend,
            balance_score=EXCLUDED.balance_score,
            quality=EXCLUDED.quality,
            insufficient=EXCLUDED.insufficient,
            computed_at=EXCLUDED.computed_at`

	e := snap.Estimate
	_, err := q.db.Exec(ctx, stmt,
		snap.UserID, snap.Day, e.BaselineMinutes, e.RecentAvgMinutes, e.DebtMinutes,
		e.Trend, e.BalanceScore, e.Quality, e.Insufficient, snap.ComputedAt,
	)
	return err
}

// DebtSnapshot fetches the snapshot for one (user, day); nil when absent.
func (q *Queries) DebtSnapshot(ctx context.Context, userID uuid.UUID, day time.Time) (*domain.DebtSnapshot, error) {
	const query = `SELECT user_id, day, baseline_min, recent_avg_min, debt_min, trend, balance_score, quality, insufficient, computed_at
        FROM sleep_debt_snapshots WHERE user_id=$1 AND day=$2`

	var snap domain.DebtSnapshot
	err := q.db.QueryRow(ctx, query, userID, day).Scan(
		&snap.UserID, &snap.Day, &snap.Estimate.BaselineMinutes, &snap.Estimate.RecentAvgMinutes,
		&snap.Estimate.DebtMinutes, &snap.Estimate.Trend, &snap.Estimate.BalanceScore,
		&snap.Estimate.Quality, &snap.Estimate.Insufficient, &snap.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// AppendEvent writes an outbox row inside the caller's transaction so the
// event commits or rolls back with the data that produced it.
func (q *Queries) AppendEvent(ctx context.Context, eventType, topic, partitionKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4)`

	_, err = q.db.Exec(ctx, stmt, eventType, topic, partitionKey, body)
	return err
}

func scanSegment(row pgx.Row) (*domain.SleepSegment, error) {
	var s domain.SleepSegment
	var contributors []byte
	if err := row.Scan(
		&s.ExternalID, &s.UserID, &s.Source, &s.Type, &s.Day, &s.Start, &s.End, &s.DurationSec,
		&s.BaseScore, &s.SleepScoreDelta, &s.ReadinessScoreDelta,
		&s.DeepSleepSec, &s.RemSleepSec, &s.LightSleepSec,
		&s.Efficiency, &contributors, &s.EmbeddedReadiness, &s.Payload, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(contributors) > 0 {
		if err := json.Unmarshal(contributors, &s.Contributors); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func marshalContributors(contributors map[string]int) (any, error) {
	if contributors == nil {
		return nil, nil
	}
	return json.Marshal(contributors)
}
