package oura

import (
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// NormalizeDaily converts the fetched daily summaries into canonical external
// records. Records missing a vendor id or day label are dropped here; the
// reconciler would reject them anyway.
func NormalizeDaily(userID uuid.UUID, data DailyData) []domain.ExternalRecord {
	var records []domain.ExternalRecord

	appendStream := func(kind domain.EntityKind, items []DailySummary) {
		for _, item := range items {
			day, err := domain.ParseDay(item.Day)
			if err != nil || item.ID == "" {
				continue
			}
			records = append(records, domain.ExternalRecord{
				Source:     domain.SourceOura,
				Kind:       kind,
				ExternalID: item.ID,
				UserID:     userID,
				Day:        day,
				Score:      item.Score,
				Payload:    item.Raw,
			})
		}
	}

	appendStream(domain.KindDailySleepScore, data.DailySleep)
	appendStream(domain.KindReadiness, data.Readiness)
	appendStream(domain.KindActivity, data.Activity)
	appendStream(domain.KindStress, data.Stress)
	appendStream(domain.KindSpo2, data.Spo2)
	appendStream(domain.KindCardiovascularAge, data.CardioAge)
	appendStream(domain.KindResilience, data.Resilience)
	appendStream(domain.KindVO2Max, data.VO2Max)

	return records
}

// NormalizeSegments converts sleep details into sleep segments. The local day
// is derived from the segment end time in the user's zone, never from the
// vendor's own day label; the two disagree around local midnight.
func NormalizeSegments(userID uuid.UUID, details []SleepDetail, loc *time.Location) []domain.SleepSegment {
	segments := make([]domain.SleepSegment, 0, len(details))

	for _, detail := range details {
		if detail.ID == "" {
			continue
		}

		start, startErr := time.Parse(time.RFC3339, detail.BedtimeStart)
		end, endErr := time.Parse(time.RFC3339, detail.BedtimeEnd)

		var day time.Time
		switch {
		case endErr == nil:
			day = domain.DayOf(end, loc)
		case detail.Day != "":
			if parsed, err := domain.ParseDay(detail.Day); err == nil {
				day = parsed
			}
		}
		if day.IsZero() {
			continue
		}

		segType := domain.SegmentNap
		if detail.Type == "long_sleep" {
			segType = domain.SegmentPrimary
		}

		duration := 0
		if detail.TotalSleepDuration != nil {
			duration = *detail.TotalSleepDuration
		} else if startErr == nil && endErr == nil {
			duration = int(end.Sub(start).Seconds())
		}

		seg := domain.SleepSegment{
			ExternalID:          detail.ID,
			UserID:              userID,
			Source:              domain.SourceOura,
			Type:                segType,
			Day:                 day,
			Start:               start,
			End:                 end,
			DurationSec:         duration,
			SleepScoreDelta:     detail.SleepScoreDelta,
			ReadinessScoreDelta: detail.ReadinessScoreDelta,
			DeepSleepSec:        detail.DeepSleepDuration,
			RemSleepSec:         detail.RemSleepDuration,
			LightSleepSec:       detail.LightSleepDuration,
			Efficiency:          detail.Efficiency,
			Payload:             detail.Raw,
		}
		if detail.Readiness != nil {
			seg.EmbeddedReadiness = detail.Readiness.Score
			seg.Contributors = detail.Readiness.Contributors
		}

		segments = append(segments, seg)
	}

	return segments
}
