// Package oura integrates the Oura Ring v2 API as a normalized record source.
package oura

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
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

// Config carries the endpoints and OAuth client for the Oura API.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTP         Doer
}

// Client fetches Oura's windowed daily collections.
//
// Every windowed endpoint is left-closed, right-OPEN: end_date itself is
// excluded. Callers that want today's records must request end = today + 1
// day; the client passes the range through literally.
type Client struct {
	cfg    Config
	logger *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger used to report stream failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[oura] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DailySummary is one item from a daily collection (daily_sleep,
// daily_readiness, daily_activity, ...). Raw preserves unmodeled fields.
type DailySummary struct {
	ID           string         `json:"id"`
	Day          string         `json:"day"`
	Score        *int           `json:"score"`
	Contributors map[string]int `json:"contributors"`
	Raw          json.RawMessage `json:"-"`
}

// SleepDetail is one sleep segment from /usercollection/sleep. Type is
// "long_sleep" for the primary overnight sleep; everything else is a nap.
type SleepDetail struct {
	ID                  string   `json:"id"`
	Day                 string   `json:"day"`
	Type                string   `json:"type"`
	BedtimeStart        string   `json:"bedtime_start"`
	BedtimeEnd          string   `json:"bedtime_end"`
	TotalSleepDuration  *int     `json:"total_sleep_duration"`
	DeepSleepDuration   *int     `json:"deep_sleep_duration"`
	LightSleepDuration  *int     `json:"light_sleep_duration"`
	RemSleepDuration    *int     `json:"rem_sleep_duration"`
	Efficiency          *int     `json:"efficiency"`
	SleepScoreDelta     *float64 `json:"sleep_score_delta"`
	ReadinessScoreDelta *float64 `json:"readiness_score_delta"`
	Readiness           *struct {
		Score        *int           `json:"score"`
		Contributors map[string]int `json:"contributors"`
	} `json:"readiness"`
	Raw json.RawMessage `json:"-"`
}

// DailyData bundles one fetch window across all streams. A stream that failed
// with an HTTP error is left empty and listed in Unavailable; sibling streams
// are unaffected.
type DailyData struct {
	DailySleep   []DailySummary
	SleepDetails []SleepDetail
	Readiness    []DailySummary
	Activity     []DailySummary
	Stress       []DailySummary
	Spo2         []DailySummary
	CardioAge    []DailySummary
	Resilience   []DailySummary
	VO2Max       []DailySummary
	Unavailable  []string
}

var dailyEndpoints = []struct {
	name     string
	path     string
	assign   func(*DailyData, []DailySummary)
}{
	{"daily_sleep", "/usercollection/daily_sleep", func(d *DailyData, v []DailySummary) { d.DailySleep = v }},
	{"daily_readiness", "/usercollection/daily_readiness", func(d *DailyData, v []DailySummary) { d.Readiness = v }},
	{"daily_activity", "/usercollection/daily_activity", func(d *DailyData, v []DailySummary) { d.Activity = v }},
	{"daily_stress", "/usercollection/daily_stress", func(d *DailyData, v []DailySummary) { d.Stress = v }},
	{"daily_spo2", "/usercollection/daily_spo2", func(d *DailyData, v []DailySummary) { d.Spo2 = v }},
	{"daily_cardiovascular_age", "/usercollection/daily_cardiovascular_age", func(d *DailyData, v []DailySummary) { d.CardioAge = v }},
	{"daily_resilience", "/usercollection/daily_resilience", func(d *DailyData, v []DailySummary) { d.Resilience = v }},
	{"vo2_max", "/usercollection/vo2_max", func(d *DailyData, v []DailySummary) { d.VO2Max = v }},
}

// FetchDailyData pulls every stream for [start, end). Per-stream failures are
// logged and isolated; the bundle is returned with whatever succeeded.
func (c *Client) FetchDailyData(ctx context.Context, accessToken string, start, end time.Time) (DailyData, error) {
	var data DailyData

	for _, ep := range dailyEndpoints {
		items, err := c.fetchCollection(ctx, accessToken, ep.path, start, end)
		if err != nil {
			c.logger.Printf("stream %s unavailable: %v", ep.name, err)
			data.Unavailable = append(data.Unavailable, ep.name)
			continue
		}
		ep.assign(&data, decodeSummaries(items))
	}

	details, err := c.fetchCollection(ctx, accessToken, "/usercollection/sleep", start, end)
	if err != nil {
		c.logger.Printf("stream sleep unavailable: %v", err)
		data.Unavailable = append(data.Unavailable, "sleep")
		return data, nil
	}
	for _, raw := range details {
		var detail SleepDetail
		if err := json.Unmarshal(raw, &detail); err != nil {
			c.logger.Printf("skipping malformed sleep detail: %v", err)
			continue
		}
		detail.Raw = raw
		data.SleepDetails = append(data.SleepDetails, detail)
	}

	return data, nil
}

type collectionPage struct {
	Data      []json.RawMessage `json:"data"`
	NextToken *string           `json:"next_token"`
}

func (c *Client) fetchCollection(ctx context.Context, accessToken, path string, start, end time.Time) ([]json.RawMessage, error) {
	var items []json.RawMessage
	nextToken := ""

	for {
		params := url.Values{}
		params.Set("start_date", domain.FormatDay(start))
		params.Set("end_date", domain.FormatDay(end))
		if nextToken != "" {
			params.Set("next_token", nextToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.cfg.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrVendorUnavailable, err)
		}

		var page collectionPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %s returned %d", domain.ErrAuthExpired, path, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: %s returned %d", domain.ErrVendorUnavailable, path, resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrVendorUnavailable, path, decodeErr)
		}

		items = append(items, page.Data...)
		if page.NextToken == nil || *page.NextToken == "" {
			break
		}
		nextToken = *page.NextToken
	}

	return items, nil
}

func decodeSummaries(items []json.RawMessage) []DailySummary {
	summaries := make([]DailySummary, 0, len(items))
	for _, raw := range items {
		var s DailySummary
		if err := json.Unmarshal(raw, &s); err != nil {
			// Malformed record: skip, the stream continues.
			continue
		}
		s.Raw = raw
		summaries = append(summaries, s)
	}
	return summaries
}

// RefreshToken implements token.Refresher against the Oura token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (token.Refreshed, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return token.Refreshed{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
