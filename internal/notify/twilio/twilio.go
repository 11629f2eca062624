// Package twilio sends SMS through the Twilio Messages API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/linnemanlabs/lookout/internal/notify"
)

const (
	DefaultBaseURL = "https://api.twilio.com"
	httpTimeout    = 10 * time.Second
)

// Config holds Twilio credentials.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
}

// Client sends text messages.
type Client struct {
	http       *resty.Client
	accountSID string
	from       string
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type messageResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// New creates a Twilio client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("twilio: account sid, auth token and from number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(httpTimeout).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")

	return &Client{http: c, accountSID: cfg.AccountSID, from: cfg.From}, nil
}

// SendSMS sends text to phone. Client errors are permanent; throttling,
// server errors and network failures are transient.
func (c *Client) SendSMS(ctx context.Context, phone, text string) error {
	var (
		result messageResult
		apiErr apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   phone,
			"From": c.from,
			"Body": text,
		}).
		SetResult(&result).
		SetError(&apiErr).
		SetPathParam("sid", c.accountSID).
		Post("/2010-04-01/Accounts/{sid}/Messages.json")
	if err != nil {
		return notify.Transient(fmt.Errorf("twilio: send: %w", err))
	}

	if resp.IsError() {
		err := fmt.Errorf("twilio: status %d code %d: %s", resp.StatusCode(), apiErr.Code, apiErr.Message)
		switch code := resp.StatusCode(); {
		case code == http.StatusTooManyRequests, code >= 500:
			return notify.Transient(err)
		default:
			return notify.Permanent(err)
		}
	}
	if result.Status == "failed" || result.Status == "undelivered" {
		return notify.Permanent(fmt.Errorf("twilio: message %s %s", result.SID, result.Status))
	}
	return nil
}
