// Package airspace provides a client for the external airspace-safety network.
//
// The network accepts flight advisories as GeoJSON feature collections and
// reports nearby traffic beacons. Every request is signed with the shared
// secret (see pkg/signer); there is no vendor client library.
//
// Endpoints:
//
//	POST /v1/advisories                   create or overwrite an advisory by id
//	GET  /v1/beacons?lat=&lon=&radius=    traffic within radius meters
package airspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"golang.org/x/time/rate"

	"github.com/unklstewy/airsync/pkg/adsb"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
	"github.com/unklstewy/airsync/pkg/signer"
)

const (
	// AdvisoriesPath is the advisory create/update endpoint.
	AdvisoriesPath = "/v1/advisories"

	// BeaconsPath is the nearby traffic endpoint.
	BeaconsPath = "/v1/beacons"

	// DefaultTimeout for API requests
	DefaultTimeout = 15 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// Config contains configuration for the network client.
type Config struct {
	BaseURL string
	Secret  string

	// RequestsPerSecond limits outbound calls; 0 disables limiting
	RequestsPerSecond float64

	Timeout time.Duration

	// Retry applies to beacon queries, and to advisory publishes that were
	// rate limited. Nil uses adsb.DefaultRetryConfig.
	Retry *adsb.RetryConfig

	// HTTPClient overrides the default client (Timeout is still applied
	// when the override has none).
	HTTPClient *http.Client

	Logger *log.Logger
}

// Client is a signed, rate-limited airspace network client.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	signer      *signer.Signer
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retry       adsb.RetryConfig
	logger      *log.Logger
}

// NewClient creates a network client. It fails with signer.ErrMissingSecret
// when no secret is configured, so misconfiguration surfaces at startup.
func NewClient(cfg Config) (*Client, error) {
	s, err := signer.New(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("airspace base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid airspace base URL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	} else if httpClient.Timeout == 0 {
		c := *httpClient
		c.Timeout = cfg.Timeout
		httpClient = &c
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	retry := adsb.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		signer:      s,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(limit, 1),
		retry:       retry,
		logger:      cfg.Logger,
	}, nil
}

// Credential returns the credential id the client signs with.
func (c *Client) Credential() string {
	return c.signer.Credential()
}

// BeaconRecord is one traffic report as returned by the network.
type BeaconRecord struct {
	ID            string   `json:"id,omitempty"`
	Callsign      string   `json:"callsign,omitempty"`
	Type          string   `json:"type,omitempty"`
	Latitude      float64  `json:"lat"`
	Longitude     float64  `json:"lon"`
	Altitude      *float64 `json:"altitude,omitempty"`
	Course        *float64 `json:"course,omitempty"`
	GroundSpeed   *float64 `json:"ground_speed,omitempty"`
	VerticalSpeed *float64 `json:"vertical_speed,omitempty"`
}

// Beacon converts the record into the shared traffic model, synthesizing an
// id from position when the network omits one. LastSeen is left for the
// ingestor to stamp.
func (r BeaconRecord) Beacon() adsb.Beacon {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = adsb.FallbackID(r.Latitude, r.Longitude)
	}
	return adsb.Beacon{
		ID:            id,
		Callsign:      strings.TrimSpace(r.Callsign),
		Type:          r.Type,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Altitude:      r.Altitude,
		Course:        r.Course,
		GroundSpeed:   r.GroundSpeed,
		VerticalSpeed: r.VerticalSpeed,
	}
}

// PublishAdvisory sends an advisory envelope. Publishing the same advisory
// id again overwrites the earlier registration. The returned id is the
// network's own identifier when it reports one, otherwise empty.
func (c *Client) PublishAdvisory(ctx context.Context, fc *geojson.FeatureCollection) (string, error) {
	body, err := fc.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode advisory: %w", err)
	}

	// Only rate limits are retried: an advisory is refreshed every cycle
	// anyway, and other failures are reported to the caller as they are.
	retry := c.retry
	retry.ShouldRetry = func(err error) bool {
		_, limited := adsb.IsRateLimitError(err)
		return limited
	}
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("retrying advisory publish", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	var respBody []byte
	err = adsb.RetryWithBackoff(ctx, retry, func() error {
		var err error
		respBody, err = c.do(ctx, http.MethodPost, AdvisoriesPath, nil, body)
		return err
	})
	if err != nil {
		return "", err
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return "", nil
	}
	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		// The id is informational; a publish that succeeded stays succeeded.
		c.logger.Debug("unparseable advisory response", "error", err)
		return "", nil
	}
	return response.ID, nil
}

// GetBeacons returns traffic within radiusMeters of center. Transient
// failures and rate limits are retried with backoff inside ctx's deadline.
func (c *Client) GetBeacons(ctx context.Context, center coordinates.Geographic, radiusMeters float64) ([]adsb.Beacon, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(center.Latitude, 'f', 6, 64))
	query.Set("lon", strconv.FormatFloat(center.Longitude, 'f', 6, 64))
	query.Set("radius", strconv.FormatFloat(radiusMeters, 'f', 0, 64))

	retry := c.retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("retrying beacon query", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	records, err := adsb.RetryWithBackoffResult(ctx, retry, func() ([]BeaconRecord, error) {
		body, err := c.do(ctx, http.MethodGet, BeaconsPath, query, nil)
		if err != nil {
			return nil, err
		}
		var records []BeaconRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("parse beacons: %w", err)
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}

	beacons := make([]adsb.Beacon, 0, len(records))
	for _, r := range records {
		if err := (coordinates.Geographic{Latitude: r.Latitude, Longitude: r.Longitude}).Validate(); err != nil {
			c.logger.Debug("dropping beacon with invalid position", "id", r.ID, "error", err)
			continue
		}
		beacons = append(beacons, r.Beacon())
	}
	return beacons, nil
}

// do signs and sends one request. The signed path includes the query string.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	signedPath := path
	if len(query) > 0 {
		signedPath = path + "?" + query.Encode()
	}

	headers, err := c.signer.Sign(method, signedPath, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+signedPath, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	headers.Apply(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/geo+json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		rle := adsb.NewRateLimitError(resp)
		c.logger.Warn("airspace network rate limit",
			"path", path,
			"retry_after", rle.RetryAfter,
			"remaining", rle.Headers.Remaining)
		return nil, rle
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &adsb.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}
