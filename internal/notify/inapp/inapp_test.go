package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/screening"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testMessage(n int) escalation.Message {
	return escalation.Message{
		Title:    fmt.Sprintf("title %d", n),
		Body:     "body",
		Priority: screening.PriorityUrgent,
		RecordID: "r-1",
	}
}

func TestPushInApp_Publishes(t *testing.T) {
	t.Parallel()

	_, rdb := setupTestRedis(t)
	p := New(rdb, Config{})
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, p.Channel("p-1"))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.PushInApp(ctx, "p-1", testMessage(1)); err != nil {
		t.Fatalf("PushInApp: %v", err)
	}

	select {
	case m := <-sub.Channel():
		var n Notification
		if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.UserID != "p-1" || n.Title != "title 1" || n.Priority != "urgent" || n.RecordID != "r-1" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestPushInApp_InboxCapped(t *testing.T) {
	t.Parallel()

	mr, rdb := setupTestRedis(t)
	p := New(rdb, Config{InboxLen: 3, InboxTTL: time.Hour})
	ctx := context.Background()

	for i := range 5 {
		if err := p.PushInApp(ctx, "p-2", testMessage(i)); err != nil {
			t.Fatalf("PushInApp %d: %v", i, err)
		}
	}

	got, err := p.Inbox(ctx, "p-2", 10)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("inbox len = %d, want 3", len(got))
	}
	if got[0].Title != "title 4" || got[2].Title != "title 2" {
		t.Errorf("inbox order = %q..%q, want newest first", got[0].Title, got[2].Title)
	}

	if ttl := mr.TTL(DefaultPrefix + "inbox:p-2"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestPushInApp_Errors(t *testing.T) {
	t.Parallel()

	mr, rdb := setupTestRedis(t)
	p := New(rdb, Config{})
	ctx := context.Background()

	if err := p.PushInApp(ctx, "", testMessage(0)); !notify.IsPermanent(err) {
		t.Errorf("empty user: err = %v, want permanent", err)
	}

	mr.Close()
	err := p.PushInApp(ctx, "p-3", testMessage(0))
	if !errors.Is(err, notify.ErrTransient) {
		t.Errorf("redis down: err = %v, want transient", err)
	}
}
