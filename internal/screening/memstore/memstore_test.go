package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/lookout/internal/screening"
)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := &screening.Record{ID: "r-1", SubjectID: "p-1", State: screening.StatePending}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.SubjectID != "p-1" {
		t.Errorf("SubjectID = %q, want %q", got.SubjectID, "p-1")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := &screening.Record{ID: "r-2", Images: []screening.Image{{URL: "a", Role: screening.RoleLeftEye}}}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Images[0].URL = "mutated"

	got, _, _ := s.Get(ctx, "r-2")
	if got.Images[0].URL != "a" {
		t.Errorf("stored image URL = %q, want %q", got.Images[0].URL, "a")
	}
	got.Images[0].URL = "mutated again"

	again, _, _ := s.Get(ctx, "r-2")
	if again.Images[0].URL != "a" {
		t.Errorf("stored image URL = %q after mutating a read copy", again.Images[0].URL)
	}
}

func TestStore_PutKeepsNotificationLog(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, &screening.Record{ID: "r-3"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.AppendNotification(ctx, "r-3", screening.NotificationEntry{Channel: screening.ChannelSMS, Attempt: 1, Outcome: screening.OutcomeSent}); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}

	// a stale read-modify-write must not drop the log
	if err := s.Put(ctx, &screening.Record{ID: "r-3", State: screening.StateCompleted}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _, _ := s.Get(ctx, "r-3")
	if len(got.NotificationLog) != 1 {
		t.Fatalf("NotificationLog len = %d, want 1", len(got.NotificationLog))
	}
	if got.NotificationLog[0].Channel != screening.ChannelSMS {
		t.Errorf("Channel = %q, want %q", got.NotificationLog[0].Channel, screening.ChannelSMS)
	}
}

func TestStore_ListBySubject(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		r := &screening.Record{ID: fmt.Sprintf("r-%d", i), SubjectID: "p-1", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Put(ctx, &screening.Record{ID: "other", SubjectID: "p-2"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	page, total, err := s.ListBySubject(ctx, "p-1", 0, 2)
	if err != nil {
		t.Fatalf("ListBySubject: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].ID != "r-4" || page[1].ID != "r-3" {
		t.Errorf("page = %v, want [r-4 r-3]", ids(page))
	}

	page, _, _ = s.ListBySubject(ctx, "p-1", 4, 2)
	if len(page) != 1 || page[0].ID != "r-0" {
		t.Errorf("last page = %v, want [r-0]", ids(page))
	}

	page, _, _ = s.ListBySubject(ctx, "p-1", 10, 2)
	if len(page) != 0 {
		t.Errorf("out of range page = %v, want empty", ids(page))
	}
}

func TestStore_ListActive(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &screening.Record{ID: "a", State: screening.StateCompleted})
	_ = s.Put(ctx, &screening.Record{ID: "b", State: screening.StateArchived})
	_ = s.Put(ctx, &screening.Record{ID: "c", State: screening.StatePending})

	got, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("ListActive = %v, want [a c]", ids(got))
	}
}

func TestStore_Claims(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	c := screening.NotificationClaim{RecordID: "r-1", DedupeKey: "k1", Action: []byte(`{"channel":"sms"}`)}

	ok, err := s.ClaimNotification(ctx, c)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v, want true, nil", ok, err)
	}
	ok, err = s.ClaimNotification(ctx, c)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v, want false, nil", ok, err)
	}

	pending, _ := s.PendingNotifications(ctx)
	if len(pending) != 1 || string(pending[0].Action) != `{"channel":"sms"}` {
		t.Fatalf("pending = %+v, want the one claim", pending)
	}

	if err := s.ResolveNotification(ctx, "r-1", "k1", screening.OutcomeSent); err != nil {
		t.Fatalf("ResolveNotification: %v", err)
	}
	pending, _ = s.PendingNotifications(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after resolve = %d, want 0", len(pending))
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.ClaimNotification(ctx, screening.NotificationClaim{RecordID: "r", DedupeKey: "k"})
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("claims won = %d, want 1", won)
	}
}

func ids(rs []*screening.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
