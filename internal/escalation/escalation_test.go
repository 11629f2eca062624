package escalation

import (
	"context"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lookout/internal/screening"
)

type key struct {
	ch screening.Channel
	to screening.RecipientRole
}

func index(actions []Action) map[key]Action {
	out := make(map[key]Action, len(actions))
	for _, a := range actions {
		out[key{a.Channel, a.Recipient}] = a
	}
	return out
}

func TestDecide_CriticalFromNone(t *testing.T) {
	t.Parallel()

	actions := Decide(screening.PriorityNone, screening.PriorityCritical, false)
	if len(actions) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(actions), actions)
	}
	got := index(actions)
	for _, k := range []key{
		{screening.ChannelPush, screening.RecipientPatient},
		{screening.ChannelEmail, screening.RecipientPatient},
		{screening.ChannelDoctorAlert, screening.RecipientDoctor},
		{screening.ChannelSMS, screening.RecipientEmergencyContact},
	} {
		if _, ok := got[k]; !ok {
			t.Errorf("missing action %v", k)
		}
	}

	push := got[key{screening.ChannelPush, screening.RecipientPatient}]
	if !push.HasReason(ReasonHighPriority) || !push.HasReason(ReasonStatusChange) {
		t.Errorf("push reasons = %v, want high_priority and status_change merged", push.Reasons)
	}
}

func TestDecide_Rules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		old    screening.PriorityLevel
		new    screening.PriorityLevel
		manual bool
		want   []key
	}{
		{
			name: "urgent",
			old:  screening.PriorityNone, new: screening.PriorityUrgent,
			want: []key{{screening.ChannelPush, screening.RecipientPatient}, {screening.ChannelEmail, screening.RecipientPatient}},
		},
		{
			name: "moderate status change",
			old:  screening.PriorityNone, new: screening.PriorityModerate,
			want: []key{{screening.ChannelPush, screening.RecipientPatient}},
		},
		{
			name: "normal degraded",
			old:  screening.PriorityNone, new: screening.PriorityNormal,
			want: []key{{screening.ChannelPush, screening.RecipientPatient}},
		},
		{
			name: "unchanged automatic",
			old:  screening.PriorityRoutine, new: screening.PriorityRoutine,
			want: nil,
		},
		{
			name: "manual downgrade",
			old:  screening.PriorityUrgent, new: screening.PriorityRoutine, manual: true,
			want: []key{{screening.ChannelPush, screening.RecipientPatient}},
		},
		{
			name: "manual to critical",
			old:  screening.PriorityRoutine, new: screening.PriorityCritical, manual: true,
			want: []key{
				{screening.ChannelPush, screening.RecipientPatient},
				{screening.ChannelEmail, screening.RecipientPatient},
				{screening.ChannelDoctorAlert, screening.RecipientDoctor},
				{screening.ChannelSMS, screening.RecipientEmergencyContact},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			actions := Decide(tt.old, tt.new, tt.manual)
			if len(actions) != len(tt.want) {
				t.Fatalf("len = %d, want %d: %+v", len(actions), len(tt.want), actions)
			}
			got := index(actions)
			for _, k := range tt.want {
				a, ok := got[k]
				if !ok {
					t.Errorf("missing %v", k)
					continue
				}
				if a.Manual != tt.manual || a.Old != tt.old || a.New != tt.new {
					t.Errorf("action %v = %+v, want old=%s new=%s manual=%v", k, a, tt.old, tt.new, tt.manual)
				}
			}
		})
	}
}

func TestDecide_ManualPushCarriesReviewedReason(t *testing.T) {
	t.Parallel()

	actions := Decide(screening.PriorityRoutine, screening.PriorityModerate, true)
	if len(actions) != 1 {
		t.Fatalf("len = %d, want 1", len(actions))
	}
	if !actions[0].HasReason(ReasonReviewed) || actions[0].HasReason(ReasonStatusChange) {
		t.Errorf("reasons = %v, want only reviewed", actions[0].Reasons)
	}
}

func TestDecide_NoChannelTwice(t *testing.T) {
	t.Parallel()

	for _, old := range append([]screening.PriorityLevel{screening.PriorityNone}, screening.Levels...) {
		for _, next := range screening.Levels {
			for _, manual := range []bool{false, true} {
				seen := map[key]bool{}
				for _, a := range Decide(old, next, manual) {
					k := key{a.Channel, a.Recipient}
					if seen[k] {
						t.Errorf("Decide(%s,%s,%v) repeats %v", old, next, manual, k)
					}
					seen[k] = true
				}
			}
		}
	}
}

func TestDedupeKey_Stable(t *testing.T) {
	t.Parallel()

	r := &screening.Record{ID: "01J0", SubjectID: "p-1", AssignedDoctorID: "dr-1"}
	a := Bind(Decide(screening.PriorityNone, screening.PriorityCritical, false), r)
	b := Bind(Decide(screening.PriorityNone, screening.PriorityCritical, false), r)

	for i := range a {
		if a[i].DedupeKey != b[i].DedupeKey {
			t.Errorf("dedupe key differs for identical decisions: %s vs %s", a[i].DedupeKey, b[i].DedupeKey)
		}
		if len(a[i].DedupeKey) != 64 {
			t.Errorf("dedupe key %q is not hex sha256", a[i].DedupeKey)
		}
		if a[i].RecordID != "01J0" || a[i].SubjectID != "p-1" || a[i].DoctorID != "dr-1" {
			t.Errorf("bound identity = %+v", a[i])
		}
	}

	keys := map[string]bool{}
	for _, x := range a {
		keys[x.DedupeKey] = true
	}
	if len(keys) != len(a) {
		t.Error("channels of one decision should have distinct keys")
	}

	other := DedupeKey("01J0", screening.PriorityRoutine, screening.PriorityCritical, screening.ChannelSMS)
	if other == DedupeKey("01J0", screening.PriorityNone, screening.PriorityCritical, screening.ChannelSMS) {
		t.Error("different transitions should have different keys")
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	r := &screening.Record{ID: "r1", SubjectID: "p", Priority: screening.PriorityModerate}

	t.Run("review without override", func(t *testing.T) {
		t.Parallel()
		got := Plan(screening.Event{Kind: screening.EventReviewRecorded, Record: r, Old: screening.PriorityModerate, New: screening.PriorityModerate})
		if len(got) != 1 || got[0].Channel != screening.ChannelPush || !got[0].HasReason(ReasonReviewed) {
			t.Errorf("Plan = %+v, want one reviewed push", got)
		}
	})

	t.Run("review with override", func(t *testing.T) {
		t.Parallel()
		got := Plan(screening.Event{Kind: screening.EventReviewRecorded, Record: r, Manual: true})
		if len(got) != 0 {
			t.Errorf("Plan = %+v, want none", got)
		}
	})

	t.Run("assignment", func(t *testing.T) {
		t.Parallel()
		if got := Plan(screening.Event{Kind: screening.EventAssignmentChanged, Record: r}); len(got) != 0 {
			t.Errorf("Plan = %+v, want none", got)
		}
	})
}

func TestPlan_EachReviewNotifiesOnce(t *testing.T) {
	t.Parallel()

	r := &screening.Record{ID: "r1", SubjectID: "p1", Reviews: []screening.Review{{DoctorID: "dr-1"}}}
	ev := screening.Event{Kind: screening.EventReviewRecorded, Record: r, Old: screening.PriorityModerate, New: screening.PriorityModerate}

	first := Plan(ev)
	again := Plan(ev)
	if len(first) != 1 || len(again) != 1 || first[0].DedupeKey != again[0].DedupeKey {
		t.Fatalf("redelivered review produced different keys: %+v vs %+v", first, again)
	}
	if first[0].Review != 1 {
		t.Errorf("Review = %d, want 1", first[0].Review)
	}

	second := *r
	second.Reviews = append(append([]screening.Review(nil), r.Reviews...), screening.Review{DoctorID: "dr-1"})
	ev.Record = &second
	next := Plan(ev)
	if len(next) != 1 || next[0].DedupeKey == first[0].DedupeKey {
		t.Errorf("second review key = %v, want distinct from %s", next, first[0].DedupeKey)
	}

	transition := DedupeKey("r1", screening.PriorityModerate, screening.PriorityModerate, screening.ChannelPush)
	if first[0].DedupeKey == transition {
		t.Error("review notice key collides with the transition key")
	}
}

type fakeQueue struct {
	mu      sync.Mutex
	actions []Action
}

func (f *fakeQueue) Enqueue(actions ...Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, actions...)
}

func TestTrigger_Observe(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	tr := NewTrigger(q, log.Nop())
	r := &screening.Record{ID: "r1", SubjectID: "p", AssignedDoctorID: "dr"}

	tr.Observe(context.Background(), screening.Event{
		Kind: screening.EventPriorityDetermined, Record: r,
		Old: screening.PriorityNone, New: screening.PriorityCritical,
	})
	if len(q.actions) != 4 {
		t.Fatalf("enqueued %d actions, want 4", len(q.actions))
	}
	for _, a := range q.actions {
		if a.DedupeKey == "" || a.RecordID != "r1" {
			t.Errorf("action not bound: %+v", a)
		}
	}
}

func TestAction_Message(t *testing.T) {
	t.Parallel()

	r := &screening.Record{ID: "r1"}
	for _, a := range Bind(Decide(screening.PriorityNone, screening.PriorityCritical, false), r) {
		m := a.Message()
		if m.Title == "" || m.Body == "" {
			t.Errorf("%s/%s: empty message", a.Channel, a.Recipient)
		}
		if m.Priority != screening.PriorityCritical || m.RecordID != "r1" {
			t.Errorf("message = %+v", m)
		}
	}
}
