// Package inapp delivers in-app notifications over Redis pub/sub. Each message
// is also kept in a short per-user inbox so clients that were offline can catch up.
package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/notify"
)

const (
	DefaultPrefix   = "lookout:inapp:"
	DefaultInboxLen = 50
	DefaultInboxTTL = 7 * 24 * time.Hour
)

// Notification is the payload published to the user's channel.
type Notification struct {
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Priority string    `json:"priority"`
	RecordID string    `json:"record_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Config tunes a Publisher. Zero values fall back to defaults.
type Config struct {
	Prefix   string
	InboxLen int64
	InboxTTL time.Duration
}

// Publisher implements notify.PushSender on Redis.
type Publisher struct {
	rdb      redis.UniversalClient
	prefix   string
	inboxLen int64
	inboxTTL time.Duration
	now      func() time.Time
}

// New creates a Publisher over rdb.
func New(rdb redis.UniversalClient, cfg Config) *Publisher {
	if rdb == nil {
		panic("inapp.New: nil redis client")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.InboxLen <= 0 {
		cfg.InboxLen = DefaultInboxLen
	}
	if cfg.InboxTTL <= 0 {
		cfg.InboxTTL = DefaultInboxTTL
	}
	return &Publisher{
		rdb:      rdb,
		prefix:   cfg.Prefix,
		inboxLen: cfg.InboxLen,
		inboxTTL: cfg.InboxTTL,
		now:      time.Now,
	}
}

// Channel is the pub/sub channel for userID.
func (p *Publisher) Channel(userID string) string {
	return p.prefix + userID
}

func (p *Publisher) inboxKey(userID string) string {
	return p.prefix + "inbox:" + userID
}

// PushInApp stores msg in the user's inbox and publishes it.
func (p *Publisher) PushInApp(ctx context.Context, userID string, msg escalation.Message) error {
	if userID == "" {
		return notify.Permanent(errors.New("inapp: empty user id"))
	}
	payload, err := json.Marshal(Notification{
		UserID:   userID,
		Title:    msg.Title,
		Body:     msg.Body,
		Priority: string(msg.Priority),
		RecordID: msg.RecordID,
		SentAt:   p.now().UTC(),
	})
	if err != nil {
		return notify.Permanent(fmt.Errorf("inapp: marshal: %w", err))
	}

	key := p.inboxKey(userID)
	_, err = p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.inboxLen-1)
		pipe.Expire(ctx, key, p.inboxTTL)
		pipe.Publish(ctx, p.Channel(userID), payload)
		return nil
	})
	if err != nil {
		return notify.Transient(fmt.Errorf("inapp: publish: %w", err))
	}
	return nil
}

// Inbox returns up to n of the user's most recent notifications, newest first.
func (p *Publisher) Inbox(ctx context.Context, userID string, n int64) ([]Notification, error) {
	if n <= 0 || n > p.inboxLen {
		n = p.inboxLen
	}
	raw, err := p.rdb.LRange(ctx, p.inboxKey(userID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("inapp: inbox: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, s := range raw {
		var m Notification
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
