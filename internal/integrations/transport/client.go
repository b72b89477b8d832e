// Package transport wraps the HTTP client shared by the vendor integrations
// with rate limiting and a circuit breaker.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Client is a rate-limited, breaker-guarded HTTP client for one vendor host.
// The breaker trips a failing vendor into fast rejection instead of letting
// every stream in a pass time out against it.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// New constructs a Client. name labels the breaker in state-change logs; rps
// bounds outbound request rate against the vendor's quota.
func New(name string, timeout time.Duration, rps float64) *Client {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
}

// Do executes the request once the rate limiter admits it. Responses with 5xx
// status count as breaker failures and are returned as errors; 4xx responses
// pass through for the caller to interpret.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("vendor returned %d", resp.StatusCode)
		}
		return resp, nil
	})
}
