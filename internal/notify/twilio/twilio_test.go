package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/lookout/internal/notify"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550000"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendSMS(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("To") != "+15550101" || r.PostForm.Get("From") != "+15550000" || r.PostForm.Get("Body") != "hello" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})

	if err := c.SendSMS(context.Background(), "+15550101", "hello"); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
}

func TestSendSMS_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"invalid number", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number"}`, true},
		{"bad credentials", http.StatusUnauthorized, `{"code":20003,"message":"Authenticate"}`, true},
		{"throttled", http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests"}`, false},
		{"server error", http.StatusInternalServerError, `{}`, false},
		{"delivery failed", http.StatusCreated, `{"sid":"SM2","status":"failed"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := c.SendSMS(context.Background(), "+1", "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := notify.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestSendSMS_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, AccountSID: "AC", AuthToken: "t", From: "+1"})
	if err != nil {
		t.Fatal(err)
	}
	err = c.SendSMS(context.Background(), "+2", "x")
	if !errors.Is(err, notify.ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{AccountSID: "AC"}); err == nil {
		t.Error("expected error for missing credentials")
	}
}
