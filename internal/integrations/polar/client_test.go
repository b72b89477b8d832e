package polar

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

type stubDoer struct {
	responses map[string]stubResponse
}

type stubResponse struct {
	status int
	body   string
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	resp, ok := s.responses[path]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Header:     http.Header{},
	}, nil
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func newTestClient(t *testing.T, doer Doer) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:      "https://accesslink.test/v3",
		TokenURL:     "https://accesslink.test/oauth2/token",
		ClientID:     "client",
		ClientSecret: "secret",
		HTTP:         doer,
	}, WithLogger(log.New(testWriter{t}, "[polar] ", 0)))
}

func day(t *testing.T, label string) time.Time {
	t.Helper()
	d, err := domain.ParseDay(label)
	require.NoError(t, err)
	return d
}

func TestExercisesFetchesZoneDetail(t *testing.T) {
	doer := &stubDoer{responses: map[string]stubResponse{
		"/v3/exercises?zones=true": {status: http.StatusOK, body: `[
			{"id": 101, "start_time": "2026-03-10T07:00:00"},
			{"id": 102, "start_time": "2026-01-01T07:00:00"}
		]`},
		"/v3/exercises/101?zones=true": {status: http.StatusOK, body: `{
			"id": 101,
			"start_time": "2026-03-10T07:00:00",
			"duration": "PT1H2M3S",
			"sport": "RUNNING",
			"calories": 540,
			"heart_rate": {"average": 148, "maximum": 176},
			"heart_rate_zones": [
				{"index": 0, "in-zone": "PT10M", "lower-limit": 98, "upper-limit": 117},
				{"index": 2, "in_zone": "PT25M30S", "lower-limit": 137, "upper-limit": 156}
			]
		}`},
	}}
	client := newTestClient(t, doer)

	exercises, err := client.Exercises(context.Background(), "tok", day(t, "2026-03-09"), day(t, "2026-03-11"))
	require.NoError(t, err)
	require.Len(t, exercises, 1, "out-of-range exercise must be filtered before its detail fetch")

	ex := exercises[0]
	require.Equal(t, "101", ex.ID.String())
	require.Equal(t, "RUNNING", ex.Sport)
	require.NotNil(t, ex.HeartRate)
	require.Equal(t, 148, *ex.HeartRate.Average)

	zones := zoneSeconds(ex.HeartRateZones)
	require.Equal(t, [5]int{600, 0, 1530, 0, 0}, zones, "both hyphen and underscore zone fields must parse")
}

func TestExercisesSkipsFailedDetail(t *testing.T) {
	doer := &stubDoer{responses: map[string]stubResponse{
		"/v3/exercises?zones=true": {status: http.StatusOK, body: `[
			{"id": 201, "start_time": "2026-03-10T07:00:00"},
			{"id": 202, "start_time": "2026-03-10T18:00:00"}
		]`},
		"/v3/exercises/201?zones=true": {status: http.StatusInternalServerError, body: ``},
		"/v3/exercises/202?zones=true": {status: http.StatusOK, body: `{"id": 202, "start_time": "2026-03-10T18:00:00", "duration": "PT30M"}`},
	}}
	client := newTestClient(t, doer)

	exercises, err := client.Exercises(context.Background(), "tok", day(t, "2026-03-10"), day(t, "2026-03-10"))
	require.NoError(t, err)
	require.Len(t, exercises, 1)
	require.Equal(t, "202", exercises[0].ID.String())
}

func TestNightsFiltersDateRange(t *testing.T) {
	doer := &stubDoer{responses: map[string]stubResponse{
		"/v3/users/nights": {status: http.StatusOK, body: `{"nights": [
			{"polar-user": 555, "date": "2026-03-09", "sleep_score": 80},
			{"polar-user": 555, "date": "2026-03-10", "sleep_score": 74, "deep_sleep": 3600, "light_sleep": 14400, "rem_sleep": 5400},
			{"polar-user": 555, "date": "2026-03-12", "sleep_score": 90}
		]}`},
	}}
	client := newTestClient(t, doer)

	nights, err := client.Nights(context.Background(), "tok", day(t, "2026-03-10"), day(t, "2026-03-11"))
	require.NoError(t, err)
	require.Len(t, nights, 1)
	require.Equal(t, "2026-03-10", nights[0].Date)

	records := NormalizeNights(uuid.New(), nights)
	require.Len(t, records, 1)
	require.Equal(t, "555/2026-03-10", records[0].ExternalID)
	require.Equal(t, domain.KindVendorSleepSummary, records[0].Kind)
	require.NotNil(t, records[0].DurationSec)
	require.Equal(t, 23400, *records[0].DurationSec)
}

func TestNightsEmptyCollection(t *testing.T) {
	doer := &stubDoer{responses: map[string]stubResponse{
		"/v3/users/nights": {status: http.StatusNoContent, body: ``},
	}}
	client := newTestClient(t, doer)

	nights, err := client.Nights(context.Background(), "tok", day(t, "2026-03-10"), day(t, "2026-03-11"))
	require.NoError(t, err)
	require.Empty(t, nights)
}

func TestRechargesAuthExpired(t *testing.T) {
	doer := &stubDoer{responses: map[string]stubResponse{
		"/v3/users/nightly-recharge": {status: http.StatusUnauthorized, body: ``},
	}}
	client := newTestClient(t, doer)

	_, err := client.Recharges(context.Background(), "tok", day(t, "2026-03-10"), day(t, "2026-03-11"))
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"PT1H2M3S", 3723},
		{"PT30M", 1800},
		{"PT3755.609S", 3755},
		{"PT2H", 7200},
	}
	for _, tc := range cases {
		got, err := ParseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseISODuration("1H2M")
	require.Error(t, err)
	_, err = ParseISODuration("PT5X")
	require.Error(t, err)
}

func TestNormalizeExercisesPopulatesSession(t *testing.T) {
	start := "2026-03-10T07:00:00"
	exercises := []Exercise{{
		ID:            "301",
		StartTime:     start,
		Duration:      "PT45M",
		Sport:         "CYCLING",
		DetailedSport: "ROAD_BIKING",
		HeartRateZones: []heartRateZone{
			{Index: intPtr(1), InZone: "PT20M"},
			{Index: intPtr(3), InZone: "PT5M"},
		},
	}}

	records := NormalizeExercises(uuid.New(), exercises)
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, domain.KindExercise, record.Kind)
	require.Equal(t, "301", record.ExternalID)
	require.Equal(t, day(t, "2026-03-10"), record.Day)
	require.NotNil(t, record.Exercise)
	require.Equal(t, "ROAD_BIKING", record.Exercise.SportType)
	require.Equal(t, 2700, record.Exercise.DurationSec)
	require.Equal(t, [5]int{0, 1200, 0, 300, 0}, record.Exercise.ZoneSec)
	require.Equal(t, record.Exercise.Start.Add(45*time.Minute), record.Exercise.End)
}

func intPtr(v int) *int { return &v }
