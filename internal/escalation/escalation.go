// Package escalation decides which notifications a priority change produces.
// Decide is pure: given the previous and next priority and whether the change came
// from a doctor, it returns the merged set of actions to dispatch.
package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/linnemanlabs/lookout/internal/screening"
)

// Reason explains why an action was produced.
type Reason string

const (
	ReasonHighPriority Reason = "high_priority"
	ReasonCritical     Reason = "critical"
	ReasonStatusChange Reason = "status_change"
	ReasonReviewed     Reason = "reviewed"
)

// Action is one notification to deliver. Channel and Recipient together
// identify it within a decision; Reasons is the union of rules that fired.
type Action struct {
	Channel   screening.Channel       `json:"channel"`
	Recipient screening.RecipientRole `json:"recipient"`
	Reasons   []Reason                `json:"reasons"`
	Old       screening.PriorityLevel `json:"old"`
	New       screening.PriorityLevel `json:"new"`
	Manual    bool                    `json:"manual"`

	// Review is the 1-based review a review-only notice answers; zero otherwise.
	Review int `json:"review,omitempty"`

	// set by Bind
	RecordID  string `json:"record_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	DoctorID  string `json:"doctor_id,omitempty"`
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// HasReason reports whether r contributed to the action.
func (a Action) HasReason(r Reason) bool {
	for _, have := range a.Reasons {
		if have == r {
			return true
		}
	}
	return false
}

type slot struct {
	channel   screening.Channel
	recipient screening.RecipientRole
}

// Decide returns the actions for a priority change from prev to next.
//
// Rules, unioned:
//  1. next is critical or urgent: patient push and e-mail; doctor alert when critical.
//  2. next is critical: emergency contact SMS.
//  3. prev != next and not manual: patient push for the status change.
//  4. manual: patient push saying a doctor reviewed the results.
//
// The doctor's live queue is updated by the queue synchronizer, not here.
func Decide(prev, next screening.PriorityLevel, manual bool) []Action {
	b := newBuilder(prev, next, manual)

	if next == screening.PriorityCritical || next == screening.PriorityUrgent {
		b.add(screening.ChannelPush, screening.RecipientPatient, ReasonHighPriority)
		b.add(screening.ChannelEmail, screening.RecipientPatient, ReasonHighPriority)
		if next == screening.PriorityCritical {
			b.add(screening.ChannelDoctorAlert, screening.RecipientDoctor, ReasonCritical)
		}
	}
	if next == screening.PriorityCritical {
		b.add(screening.ChannelSMS, screening.RecipientEmergencyContact, ReasonCritical)
	}
	if prev != next && !manual {
		b.add(screening.ChannelPush, screening.RecipientPatient, ReasonStatusChange)
	}
	if manual {
		b.add(screening.ChannelPush, screening.RecipientPatient, ReasonReviewed)
	}
	return b.actions()
}

// ReviewNotice returns the patient notice for the review-th review, which left
// the priority unchanged at level. Each review gets its own notice.
func ReviewNotice(level screening.PriorityLevel, review int) []Action {
	b := newBuilder(level, level, true)
	b.add(screening.ChannelPush, screening.RecipientPatient, ReasonReviewed)
	out := b.actions()
	for i := range out {
		out[i].Review = review
	}
	return out
}

// Bind attaches record identity and dedupe keys to actions.
func Bind(actions []Action, r *screening.Record) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		a.RecordID = r.ID
		a.SubjectID = r.SubjectID
		a.DoctorID = r.AssignedDoctorID
		a.DedupeKey = DedupeKey(r.ID, a.Old, a.New, a.Channel)
		if a.Review > 0 {
			a.DedupeKey = reviewDedupeKey(r.ID, a.New, a.Review, a.Channel)
		}
		out[i] = a
	}
	return out
}

// DedupeKey is the hex SHA-256 of recordID|prev|next|channel.
func DedupeKey(recordID string, prev, next screening.PriorityLevel, ch screening.Channel) string {
	sum := sha256.Sum256([]byte(recordID + "|" + prev.String() + "|" + next.String() + "|" + string(ch)))
	return hex.EncodeToString(sum[:])
}

func reviewDedupeKey(recordID string, level screening.PriorityLevel, review int, ch screening.Channel) string {
	sum := sha256.Sum256([]byte(recordID + "|" + level.String() + "|" + level.String() + "|" + string(ch) + "|review:" + strconv.Itoa(review)))
	return hex.EncodeToString(sum[:])
}

type builder struct {
	prev, next screening.PriorityLevel
	manual     bool
	order      []slot
	reasons    map[slot][]Reason
}

func newBuilder(prev, next screening.PriorityLevel, manual bool) *builder {
	return &builder{prev: prev, next: next, manual: manual, reasons: make(map[slot][]Reason)}
}

func (b *builder) add(ch screening.Channel, to screening.RecipientRole, r Reason) {
	k := slot{ch, to}
	if _, ok := b.reasons[k]; !ok {
		b.order = append(b.order, k)
	}
	for _, have := range b.reasons[k] {
		if have == r {
			return
		}
	}
	b.reasons[k] = append(b.reasons[k], r)
}

func (b *builder) actions() []Action {
	out := make([]Action, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, Action{
			Channel:   k.channel,
			Recipient: k.recipient,
			Reasons:   b.reasons[k],
			Old:       b.prev,
			New:       b.next,
			Manual:    b.manual,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return channelOrder(out[i].Channel) < channelOrder(out[j].Channel) })
	return out
}

func channelOrder(c screening.Channel) int {
	switch c {
	case screening.ChannelPush:
		return 0
	case screening.ChannelEmail:
		return 1
	case screening.ChannelDoctorAlert:
		return 2
	case screening.ChannelSMS:
		return 3
	default:
		return 4
	}
}
