package account

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPDirectory reads accounts from the account service REST API.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory creates a client for the account service at baseURL.
// token, when set, is sent as a bearer token.
func NewHTTPDirectory(baseURL, token string, timeout time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPDirectory{client: client}
}

// Subject fetches a patient's contact details.
func (d *HTTPDirectory) Subject(ctx context.Context, id string) (*Subject, error) {
	var out Subject
	if err := d.get(ctx, "/v1/subjects/"+url.PathEscape(id), &out); err != nil {
		return nil, fmt.Errorf("subject %s: %w", id, err)
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// Doctor fetches a doctor's contact details.
func (d *HTTPDirectory) Doctor(ctx context.Context, id string) (*Doctor, error) {
	var out Doctor
	if err := d.get(ctx, "/v1/doctors/"+url.PathEscape(id), &out); err != nil {
		return nil, fmt.Errorf("doctor %s: %w", id, err)
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("account request: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.IsError():
		return fmt.Errorf("account service returned %d", resp.StatusCode())
	}
	return nil
}
