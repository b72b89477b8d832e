// Package polar integrates the Polar AccessLink v3 API as a normalized record
// source.
package polar

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/token"
)

// Doer abstracts the HTTP transport for tests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config carries the endpoints and OAuth client for the AccessLink API.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTP         Doer
}

// Client fetches exercises, sleep nights, and nightly recharge records.
// AccessLink's list endpoints are not windowed, so the client filters
// client-side against the requested date range.
type Client struct {
	cfg    Config
	logger *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger used to report record-level failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[polar] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exercise is one training session detail. Field names follow AccessLink; a
// few appear with either hyphens or underscores depending on endpoint
// vintage, so both spellings are decoded.
type Exercise struct {
	ID             json.Number     `json:"id"`
	StartTime      string          `json:"start_time"`
	StartTimeAlt   string          `json:"start-time"`
	Duration       string          `json:"duration"` // ISO 8601, e.g. PT1H2M3S
	Sport          string          `json:"sport"`
	DetailedSport  string          `json:"detailed_sport_info"`
	Calories       *int            `json:"calories"`
	Distance       *float64        `json:"distance"`
	HeartRate      *exerciseHR     `json:"heart_rate"`
	HeartRateAlt   *exerciseHR     `json:"heart-rate"`
	HeartRateZones []heartRateZone `json:"heart_rate_zones"`
	Raw            json.RawMessage `json:"-"`
}

type exerciseHR struct {
	Average *int `json:"average"`
	Maximum *int `json:"maximum"`
}

type heartRateZone struct {
	Index      *int   `json:"index"`
	InZone     string `json:"in-zone"`
	InZoneAlt  string `json:"in_zone"`
	LowerLimit *int   `json:"lower-limit"`
	UpperLimit *int   `json:"upper-limit"`
}

// Night is one sleep record from /users/nights. The record has no vendor id;
// the engine synthesises "{polar-user}/{date}".
type Night struct {
	PolarUser       json.Number     `json:"polar-user"`
	Date            string          `json:"date"`
	SleepStartTime  string          `json:"sleep_start_time"`
	SleepEndTime    string          `json:"sleep_end_time"`
	DeepSleep       *int            `json:"deep_sleep"`
	LightSleep      *int            `json:"light_sleep"`
	RemSleep        *int            `json:"rem_sleep"`
	Interruption    *int            `json:"total_interruption_duration"`
	SleepScore      *int            `json:"sleep_score"`
	Continuity      *float64        `json:"continuity"`
	ContinuityClass *int            `json:"continuity_class"`
	Raw             json.RawMessage `json:"-"`
}

// Recharge is one nightly recharge record.
type Recharge struct {
	PolarUser     json.Number     `json:"polar-user"`
	Date          string          `json:"date"`
	ANSCharge     *float64        `json:"ans_charge"`
	ANSStatus     *int            `json:"ans_charge_status"`
	SleepCharge   *int            `json:"sleep_charge"`
	SleepStatus   *int            `json:"sleep_charge_status"`
	SleepScore    *int            `json:"sleep_score"`
	OverallStatus *int            `json:"nightly_recharge_status"`
	HRVAvg        *int            `json:"hrv_avg"`
	HeartRateAvg  *int            `json:"heart_rate_avg"`
	BreathingAvg  *float64        `json:"breathing_rate_avg"`
	Raw           json.RawMessage `json:"-"`
}

// Exercises lists sessions whose start falls inside [start, end], fetching the
// zone-annotated detail for each. A failed detail fetch skips that session
// only.
func (c *Client) Exercises(ctx context.Context, accessToken string, start, end time.Time) ([]Exercise, error) {
	var summaries []json.RawMessage
	if err := c.getJSON(ctx, accessToken, "/exercises?zones=true", &summaries); err != nil {
		return nil, err
	}

	exercises := make([]Exercise, 0, len(summaries))
	for _, raw := range summaries {
		var summary Exercise
		if err := json.Unmarshal(raw, &summary); err != nil {
			c.logger.Printf("skipping malformed exercise summary: %v", err)
			continue
		}
		if summary.ID.String() == "" {
			continue
		}

		if day, ok := exerciseDay(summary); ok {
			if day.Before(start) || day.After(end) {
				continue
			}
		}

		var detailRaw json.RawMessage
		path := "/exercises/" + url.PathEscape(summary.ID.String()) + "?zones=true"
		if err := c.getJSON(ctx, accessToken, path, &detailRaw); err != nil {
			c.logger.Printf("exercise detail %s failed: %v", summary.ID, err)
			continue
		}

		var detail Exercise
		if err := json.Unmarshal(detailRaw, &detail); err != nil {
			c.logger.Printf("skipping malformed exercise detail %s: %v", summary.ID, err)
			continue
		}
		detail.Raw = detailRaw
		if detail.ID.String() == "" {
			detail.ID = summary.ID
		}
		exercises = append(exercises, detail)
	}

	return exercises, nil
}

// Nights lists sleep records dated inside [start, end].
func (c *Client) Nights(ctx context.Context, accessToken string, start, end time.Time) ([]Night, error) {
	var wrapper struct {
		Nights []json.RawMessage `json:"nights"`
	}
	if err := c.getJSON(ctx, accessToken, "/users/nights", &wrapper); err != nil {
		return nil, err
	}

	nights := make([]Night, 0, len(wrapper.Nights))
	for _, raw := range wrapper.Nights {
		var night Night
		if err := json.Unmarshal(raw, &night); err != nil {
			c.logger.Printf("skipping malformed night: %v", err)
			continue
		}
		if !dateInRange(night.Date, start, end) {
			continue
		}
		night.Raw = raw
		nights = append(nights, night)
	}
	return nights, nil
}

// Recharges lists nightly recharge records dated inside [start, end].
func (c *Client) Recharges(ctx context.Context, accessToken string, start, end time.Time) ([]Recharge, error) {
	var wrapper struct {
		Recharges []json.RawMessage `json:"recharges"`
	}
	if err := c.getJSON(ctx, accessToken, "/users/nightly-recharge", &wrapper); err != nil {
		return nil, err
	}

	recharges := make([]Recharge, 0, len(wrapper.Recharges))
	for _, raw := range wrapper.Recharges {
		var recharge Recharge
		if err := json.Unmarshal(raw, &recharge); err != nil {
			c.logger.Printf("skipping malformed recharge: %v", err)
			continue
		}
		if !dateInRange(recharge.Date, start, end) {
			continue
		}
		recharge.Raw = raw
		recharges = append(recharges, recharge)
	}
	return recharges, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVendorUnavailable, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s returned %d", domain.ErrAuthExpired, path, resp.StatusCode)
	}
	// AccessLink answers 204 when a collection is empty.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", domain.ErrVendorUnavailable, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrVendorUnavailable, path, err)
	}
	return nil
}

// RefreshToken implements token.Refresher against the Polar token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (token.Refreshed, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return token.Refreshed{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return token.Refreshed{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return token.Refreshed{}, fmt.Errorf("token refresh failed: %d %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return token.Refreshed{}, err
	}

	return token.Refreshed{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

func exerciseDay(ex Exercise) (time.Time, bool) {
	ts := ex.StartTime
	if ts == "" {
		ts = ex.StartTimeAlt
	}
	if ts == "" {
		return time.Time{}, false
	}
	parsed, err := parseVendorTime(ts)
	if err != nil {
		return time.Time{}, false
	}
	return domain.DayOf(parsed, time.UTC), true
}

func dateInRange(label string, start, end time.Time) bool {
	day, err := domain.ParseDay(label)
	if err != nil {
		return false
	}
	return !day.Before(start) && !day.After(end)
}

// parseVendorTime accepts RFC3339 or AccessLink's zone-less local timestamps.
func parseVendorTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// ParseISODuration converts an ISO 8601 duration such as "PT1H2M3S" or
// "PT3755.609S" into whole seconds.
func ParseISODuration(s string) (int, error) {
	rest, ok := strings.CutPrefix(s, "PT")
	if !ok {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	total := 0.0
	for _, unit := range []struct {
		suffix string
		factor float64
	}{{"H", 3600}, {"M", 60}, {"S", 1}} {
		idx := strings.Index(rest, unit.suffix)
		if idx < 0 {
			continue
		}
		value, err := strconv.ParseFloat(rest[:idx], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %v", s, err)
		}
		total += value * unit.factor
		rest = rest[idx+1:]
	}
	if rest != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	return int(total), nil
}
