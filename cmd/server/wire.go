package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/lookout/internal/account"
	vc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/notify/inapp"
	"github.com/linnemanlabs/lookout/internal/notify/slack"
	"github.com/linnemanlabs/lookout/internal/notify/smtpmail"
	"github.com/linnemanlabs/lookout/internal/notify/twilio"
	"github.com/linnemanlabs/lookout/internal/screening"
)

const directoryTimeout = 10 * time.Second

// newDirectory returns the account directory: the remote service when a URL
// is configured, otherwise the static file.
func newDirectory(c *vc.Config) (account.Directory, error) {
	if c.DirectoryURL != "" {
		return account.NewHTTPDirectory(c.DirectoryURL, c.DirectoryToken, directoryTimeout), nil
	}
	st, err := account.LoadStatic(c.DirectoryFile)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newRoster returns the doctor IDs eligible for auto-assignment. An explicit
// roster wins; a static directory contributes all its doctors.
func newRoster(c *vc.Config, dir account.Directory) func(context.Context) ([]string, error) {
	ids := c.Roster()
	if len(ids) == 0 {
		if st, ok := dir.(*account.Static); ok {
			ids = st.DoctorIDs()
		}
	}
	return func(context.Context) ([]string, error) { return ids, nil }
}

// newSenders builds a sender per configured channel. Unconfigured channels
// stay nil and their notifications fail permanently.
func newSenders(ctx context.Context, c *vc.Config, rdb redis.UniversalClient, L log.Logger) (notify.Senders, error) {
	var s notify.Senders

	if c.TwilioAccountSID != "" {
		tw, err := twilio.New(twilio.Config{
			AccountSID: c.TwilioAccountSID,
			AuthToken:  c.TwilioAuthToken,
			From:       c.TwilioFrom,
		})
		if err != nil {
			return s, fmt.Errorf("twilio: %w", err)
		}
		s.SMS = tw
		L.Info(ctx, "channel enabled", "channel", screening.ChannelSMS, "provider", "twilio")
	}

	if c.SMTPHost != "" {
		m, err := smtpmail.New(smtpmail.Config{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUsername,
			Password: c.SMTPPassword,
			From:     c.SMTPFrom,
			StartTLS: true,
		})
		if err != nil {
			return s, fmt.Errorf("smtp: %w", err)
		}
		s.Email = m
		L.Info(ctx, "channel enabled", "channel", screening.ChannelEmail, "provider", "smtp", "host", c.SMTPHost)
	}

	if rdb != nil {
		s.Push = inapp.New(rdb, inapp.Config{Prefix: c.RedisPrefix})
		L.Info(ctx, "channel enabled", "channel", screening.ChannelPush, "provider", "redis")
	}

	if c.SlackWebhookURL != "" {
		s.DoctorAlert = slack.New(c.SlackWebhookURL, L)
		L.Info(ctx, "channel enabled", "channel", screening.ChannelDoctorAlert, "provider", "slack")
	}

	return s, nil
}

// loadPolicy reads the threshold file, or returns the default table.
func loadPolicy(c *vc.Config) (screening.Policy, error) {
	if c.PolicyFile == "" {
		return screening.DefaultPolicy(), nil
	}
	return screening.LoadPolicy(c.PolicyFile)
}

func storeKind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}

const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set, skipping systemd notify")

// sdNotify sends state to the systemd notify socket. Units without
// Type=notify have no socket and get errNoNotifySocket.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, and unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify %s: dial failed: %w", state, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify %s: write failed: %w", state, err)
	}
	return nil
}
