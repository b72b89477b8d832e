package polar

import (
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// NormalizeExercises converts AccessLink sessions into canonical exercise
// records. Sessions without an id or a parsable start time are dropped.
func NormalizeExercises(userID uuid.UUID, exercises []Exercise) []domain.ExternalRecord {
	records := make([]domain.ExternalRecord, 0, len(exercises))
	for _, ex := range exercises {
		id := ex.ID.String()
		if id == "" {
			continue
		}

		startLabel := ex.StartTime
		if startLabel == "" {
			startLabel = ex.StartTimeAlt
		}
		start, err := parseVendorTime(startLabel)
		if err != nil {
			continue
		}

		durationSec := 0
		if ex.Duration != "" {
			if sec, err := ParseISODuration(ex.Duration); err == nil {
				durationSec = sec
			}
		}

		session := domain.ExerciseSession{
			ExternalID:  id,
			UserID:      userID,
			SportType:   sportType(ex),
			Start:       start,
			End:         start.Add(time.Duration(durationSec) * time.Second),
			DurationSec: durationSec,
			Calories:    ex.Calories,
			Payload:     ex.Raw,
		}
		if hr := ex.HeartRate; hr == nil {
			hr = ex.HeartRateAlt
			if hr != nil {
				session.AvgHR = hr.Average
				session.MaxHR = hr.Maximum
			}
		} else {
			session.AvgHR = hr.Average
			session.MaxHR = hr.Maximum
		}
		session.ZoneSec = zoneSeconds(ex.HeartRateZones)

		day := domain.DayOf(start, time.UTC)
		duration := durationSec
		records = append(records, domain.ExternalRecord{
			Source:      domain.SourcePolar,
			Kind:        domain.KindExercise,
			ExternalID:  id,
			UserID:      userID,
			Day:         day,
			DurationSec: &duration,
			Payload:     ex.Raw,
			Exercise:    &session,
		})
	}
	return records
}

// NormalizeNights converts sleep nights into canonical vendor sleep
// summaries. AccessLink nights carry no vendor id, so the external id is
// synthesised as "{polar-user}/{date}".
func NormalizeNights(userID uuid.UUID, nights []Night) []domain.ExternalRecord {
	records := make([]domain.ExternalRecord, 0, len(nights))
	for _, night := range nights {
		day, err := domain.ParseDay(night.Date)
		if err != nil {
			continue
		}
		record := domain.ExternalRecord{
			Source:     domain.SourcePolar,
			Kind:       domain.KindVendorSleepSummary,
			ExternalID: night.PolarUser.String() + "/" + night.Date,
			UserID:     userID,
			Day:        day,
			Score:      night.SleepScore,
			Payload:    night.Raw,
		}
		if night.DeepSleep != nil || night.LightSleep != nil || night.RemSleep != nil {
			total := 0
			for _, part := range []*int{night.DeepSleep, night.LightSleep, night.RemSleep} {
				if part != nil {
					total += *part
				}
			}
			record.DurationSec = &total
		}
		records = append(records, record)
	}
	return records
}

// NormalizeRecharges converts nightly recharge records, keyed the same way
// as nights.
func NormalizeRecharges(userID uuid.UUID, recharges []Recharge) []domain.ExternalRecord {
	records := make([]domain.ExternalRecord, 0, len(recharges))
	for _, recharge := range recharges {
		day, err := domain.ParseDay(recharge.Date)
		if err != nil {
			continue
		}
		records = append(records, domain.ExternalRecord{
			Source:     domain.SourcePolar,
			Kind:       domain.KindNightlyRecovery,
			ExternalID: recharge.PolarUser.String() + "/" + recharge.Date,
			UserID:     userID,
			Day:        day,
			Score:      recharge.SleepScore,
			Payload:    recharge.Raw,
		})
	}
	return records
}

func sportType(ex Exercise) string {
	if ex.DetailedSport != "" {
		return ex.DetailedSport
	}
	return ex.Sport
}

// zoneSeconds maps AccessLink zone indexes 0-4 onto the five-slot zone
// vector. Zones without an index fall back to positional order.
func zoneSeconds(zones []heartRateZone) [5]int {
	var out [5]int
	for i, zone := range zones {
		idx := i
		if zone.Index != nil {
			idx = *zone.Index
		}
		if idx < 0 || idx > 4 {
			continue
		}
		label := zone.InZone
		if label == "" {
			label = zone.InZoneAlt
		}
		if label == "" {
			continue
		}
		sec, err := ParseISODuration(label)
		if err != nil {
			continue
		}
		out[idx] = sec
	}
	return out
}
