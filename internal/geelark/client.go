// Package geelark is a client for the GeeLark cloud phone open API.
package geelark

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/timmy/phonefarm/internal/config"
)

const defaultBaseURL = "https://openapi.geelark.com"

// Client signs and sends requests to the GeeLark open API.
type Client struct {
	client *resty.Client
	appID  string
	apiKey string
	now    func() time.Time
}

// NewClient creates a new GeeLark client.
// Parameters:
//   - cfg: base URL, app id, api key and request timeout.
//
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *config.GeeLarkConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &Client{
		client: client,
		appID:  cfg.AppID,
		apiKey: cfg.APIKey,
		now:    time.Now,
	}
}

// APIError is returned when the API answers with a non-zero code.
type APIError struct {
	Endpoint string
	Code     int
	Msg      string
	TraceID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GeeLark API error: %s (code: %d)", e.Msg, e.Code)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Sign computes the request signature the API expects in the sign header.
func Sign(appID, traceID, ts, nonce, apiKey string) string {
	sum := sha256.Sum256([]byte(appID + traceID + ts + nonce + apiKey))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	traceID := strings.ToUpper(uuid.New().String())
	nonce := traceID[:6]
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)

	var env envelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"appId":   c.appID,
			"traceId": traceID,
			"ts":      ts,
			"nonce":   nonce,
			"sign":    Sign(c.appID, traceID, ts, nonce, c.apiKey),
		}).
		SetBody(body).
		SetResult(&env).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("failed to call GeeLark %s: %w", endpoint, err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("GeeLark %s returned HTTP %d: %s", endpoint, resp.StatusCode(), string(resp.Body()))
	}

	if env.Code != 0 {
		return &APIError{Endpoint: endpoint, Code: env.Code, Msg: env.Msg, TraceID: traceID}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode GeeLark %s response: %w", endpoint, err)
		}
	}
	return nil
}
