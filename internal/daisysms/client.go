// Package daisysms is a client for the DaisySMS number rental API.
package daisysms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/phonefarm/internal/config"
)

const defaultBaseURL = "https://daisysms.com/stubs/handler_api.php"

// RentalLifetime is how long a rented number stays reserved at the provider.
const RentalLifetime = 72 * time.Hour

var (
	ErrNoNumbers = errors.New("no numbers available")
	ErrNoBalance = errors.New("insufficient balance")
	ErrBadKey    = errors.New("invalid API key")
)

// Status codes accepted by SetStatus.
const (
	StatusComplete = "6"
	StatusCancel   = "8"
)

// Client talks to the DaisySMS text protocol.
type Client struct {
	client  *resty.Client
	baseURL string
	apiKey  string
	service string
	now     func() time.Time
}

// NewClient creates a new DaisySMS client.
func NewClient(cfg *config.DaisySMSConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	service := cfg.Service
	if service == "" {
		service = "tiktok"
	}

	client := resty.New()
	client.SetTimeout(timeout)

	return &Client{
		client:  client,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		service: service,
		now:     time.Now,
	}
}

// Rental is a rented phone number.
type Rental struct {
	ID          string
	PhoneNumber string
	ExpiresAt   time.Time
}

// OTPState is the provider-side state of a rental's verification code.
type OTPState string

const (
	OTPWaiting   OTPState = "waiting"
	OTPReceived  OTPState = "received"
	OTPCancelled OTPState = "cancelled"
)

// OTPStatus is the result of CheckOTP.
type OTPStatus struct {
	State OTPState
	Code  string
}

func (c *Client) request(ctx context.Context, params map[string]string) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("api_key", c.apiKey).
		SetQueryParams(params).
		Get(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to call DaisySMS %s: %w", params["action"], err)
	}

	text := strings.TrimSpace(resp.String())
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", fmt.Errorf("DaisySMS API error: %d %s", resp.StatusCode(), text)
	}

	switch {
	case strings.HasPrefix(text, "NO_NUMBERS"):
		return "", ErrNoNumbers
	case strings.HasPrefix(text, "NO_BALANCE"):
		return "", ErrNoBalance
	case strings.HasPrefix(text, "BAD_KEY"):
		return "", ErrBadKey
	case strings.HasPrefix(text, "ERROR"):
		return "", fmt.Errorf("DaisySMS error: %s", text)
	}
	return text, nil
}

// RentNumber rents a fresh number for the configured service.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - longTerm: request a long-term rental.
//
// Returns:
//   - *Rental: rental id, number and expiry.
//   - error: ErrNoNumbers, ErrNoBalance, ErrBadKey or a transport error.
func (c *Client) RentNumber(ctx context.Context, longTerm bool) (*Rental, error) {
	params := map[string]string{
		"action":  "getNumber",
		"service": c.service,
		"country": "0",
	}
	if longTerm {
		params["ltr"] = "1"
	}

	text, err := c.request(ctx, params)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(text, ":")
	if len(parts) < 3 || parts[0] != "ACCESS_NUMBER" {
		return nil, fmt.Errorf("failed to rent number: %s", text)
	}

	return &Rental{
		ID:          parts[1],
		PhoneNumber: parts[2],
		ExpiresAt:   c.now().Add(RentalLifetime),
	}, nil
}

// SetStatus reports a rental outcome to the provider (StatusComplete or StatusCancel).
func (c *Client) SetStatus(ctx context.Context, rentalID, status string) error {
	_, err := c.request(ctx, map[string]string{
		"action": "setStatus",
		"id":     rentalID,
		"status": status,
	})
	return err
}

// CheckOTP polls the provider for a received verification code.
func (c *Client) CheckOTP(ctx context.Context, rentalID string) (*OTPStatus, error) {
	text, err := c.request(ctx, map[string]string{
		"action": "getStatus",
		"id":     rentalID,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case text == "STATUS_WAIT_CODE":
		return &OTPStatus{State: OTPWaiting}, nil
	case text == "STATUS_CANCEL":
		return &OTPStatus{State: OTPCancelled}, nil
	case strings.HasPrefix(text, "STATUS_OK"):
		code := ""
		if i := strings.Index(text, ":"); i >= 0 {
			code = text[i+1:]
		}
		return &OTPStatus{State: OTPReceived, Code: code}, nil
	}
	return &OTPStatus{State: OTPWaiting}, nil
}
