// Package rocketchat is a small typed client for the Rocket.Chat REST and
// realtime APIs, limited to what account and room synchronization needs.
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimit bounds REST calls per second.
	DefaultRateLimit = rate.Limit(10)
	defaultRateBurst = 10
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// APIURL is the REST root, e.g. "http://localhost:3000/api".
	APIURL string
	// RealtimeURL is the WebSocket endpoint. Derived from APIURL when empty.
	RealtimeURL string
	// UserID and AuthToken are the service account credentials.
	UserID    string
	AuthToken string
	// HTTPClient is used for REST calls. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// RateLimit and RateBurst throttle REST calls. Zero selects the defaults.
	RateLimit rate.Limit
	RateBurst int
	Logger    *slog.Logger
}

// Client talks to one Rocket.Chat server as the service account.
type Client struct {
	apiURL      string
	realtimeURL string
	userID      string
	authToken   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a new Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("rocketchat: APIURL is required")
	}
	if _, err := url.Parse(config.APIURL); err != nil {
		return nil, fmt.Errorf("rocketchat: invalid APIURL %q: %w", config.APIURL, err)
	}
	if config.UserID == "" || config.AuthToken == "" {
		return nil, fmt.Errorf("rocketchat: UserID and AuthToken are required")
	}
	apiURL := strings.TrimRight(config.APIURL, "/")

	realtimeURL := config.RealtimeURL
	if realtimeURL == "" {
		derived, err := deriveRealtimeURL(apiURL)
		if err != nil {
			return nil, err
		}
		realtimeURL = derived
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limit := config.RateLimit
	if limit == 0 {
		limit = DefaultRateLimit
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiURL:      apiURL,
		realtimeURL: realtimeURL,
		userID:      config.UserID,
		authToken:   config.AuthToken,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}, nil
}

// UserID returns the service account id.
func (c *Client) UserID() string {
	return c.userID
}

// AuthToken returns the service account token, which doubles as the
// realtime resume credential.
func (c *Client) AuthToken() string {
	return c.authToken
}

// deriveRealtimeURL maps "http(s)://host/api" to "ws(s)://host/websocket".
func deriveRealtimeURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("rocketchat: invalid APIURL %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api") + "/websocket"
	return u.String(), nil
}

// queryString encodes params, JSON-encoding non-string values as the
// Rocket.Chat query parser expects.
func queryString(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	values := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case string:
			values.Set(key, v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encode query parameter %s: %w", key, err)
			}
			values.Set(key, string(encoded))
		}
	}
	return "?" + values.Encode(), nil
}

func (c *Client) get(ctx context.Context, method string, params map[string]any, out any) error {
	query, err := queryString(params)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodGet, method, query, nil, out)
}

func (c *Client) post(ctx context.Context, method string, body any, out any) error {
	return c.do(ctx, http.MethodPost, method, "", body, out)
}

// do performs one REST call and decodes a successful response into out.
func (c *Client) do(ctx context.Context, httpMethod, method, query string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rocketchat: %s: %w", method, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rocketchat: %s: failed to marshal request: %w", method, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.apiURL+"/v1/"+method+query, reader)
	if err != nil {
		return fmt.Errorf("rocketchat: %s: failed to create request: %w", method, err)
	}
	req.Header.Set("X-Auth-Token", c.authToken)
	req.Header.Set("X-User-Id", c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rocketchat: %s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rocketchat: %s: failed to read response: %w", method, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		c.logger.Error("unexpected rocket.chat response", "method", method, "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))
		return fmt.Errorf("rocketchat: %s: expected json, got %q (%s)", method, resp.Header.Get("Content-Type"), resp.Status)
	}

	var envelope struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(respBytes, &envelope); err != nil {
		return fmt.Errorf("rocketchat: %s: failed to decode response: %w", method, err)
	}
	if !envelope.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBytes, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBytes))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("rocketchat: %s: failed to decode response: %w", method, err)
	}
	return nil
}
