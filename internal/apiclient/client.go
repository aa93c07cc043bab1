// Package apiclient performs HTTP requests against an OSM-compatible notes
// API, classifying failures so callers can tell an unreachable server from a
// server that answered with an error.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 4096

var errMissingBaseURL = errors.New("apiclient: base url is required")

// RequestError is a transport-level failure: the server could not be reached
// or the connection broke mid-response.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("apiclient: request %s failed: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: %s responded with %d", e.URL, e.Code)
}

// IsGone reports HTTP 410, which id-list fetches treat as a skippable
// per-note failure.
func (e *StatusError) IsGone() bool {
	return e.Code == http.StatusGone
}

// IsGone reports whether err is a 410 status response.
func IsGone(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.IsGone()
}

// Config describes the dependencies a Client needs.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     *zap.Logger
}

// Client fetches note payloads from the API, pacing requests through a rate
// limiter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient constructs an API client. The default limiter allows one request
// per second, matching the API operator's politeness expectations for
// unattended fetching.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		http:    httpClient,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Fetch executes one planned request and returns the raw response body.
// Transport failures yield a *RequestError, non-2xx responses a
// *StatusError.
func (c *Client) Fetch(ctx context.Context, req query.Request) ([]byte, error) {
	requestURL := c.baseURL + req.Path
	if encoded := req.Params.Encode(); encoded != "" {
		requestURL += "?" + encoded
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RequestError{URL: requestURL, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &RequestError{URL: requestURL, Err: err}
	}

	c.logger.Debug("api request", zap.String("url", requestURL))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &RequestError{URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{URL: requestURL, Code: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{URL: requestURL, Err: err}
	}
	return body, nil
}
