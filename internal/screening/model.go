package screening

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// State tracks where a screening record is in its lifecycle.
type State string

const (
	// StatePending means captured, waiting for (or between) analysis attempts
	StatePending State = "pending"

	// StateAnalyzing means an analysis attempt is in flight
	StateAnalyzing State = "analyzing"

	// StateCompleted means scored and classified, awaiting review
	StateCompleted State = "completed"

	// StateReviewed means a doctor has reviewed the record at least once
	StateReviewed State = "reviewed"

	// StateArchived is terminal
	StateArchived State = "archived"
)

// ImageRole says which eye an image shows.
type ImageRole string

const (
	RoleLeftEye  ImageRole = "left_eye"
	RoleRightEye ImageRole = "right_eye"
	RoleBothEyes ImageRole = "both_eyes"
)

// Valid reports whether r is a known image role.
func (r ImageRole) Valid() bool {
	switch r {
	case RoleLeftEye, RoleRightEye, RoleBothEyes:
		return true
	}
	return false
}

// Image is one captured fundus image.
type Image struct {
	URL          string    `json:"url"`
	Role         ImageRole `json:"role"`
	QualityScore float64   `json:"quality_score"`
}

// ConditionScore is the scorer's output for a single named condition.
type ConditionScore struct {
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
}

// RiskFactor is one contribution to the overall score.
type RiskFactor struct {
	Factor       string  `json:"factor"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskAssessment is the normalized scorer output for a capture.
type RiskAssessment struct {
	Conditions      map[string]ConditionScore `json:"conditions,omitempty"`
	Structural      map[string]float64        `json:"structural,omitempty"`
	OverallScore    float64                   `json:"overall_score"`
	Factors         []RiskFactor              `json:"factors,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
}

// DetectedCondition is a condition whose probability exceeds the detection threshold.
type DetectedCondition struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
}

const detectionThreshold = 0.5

// DetectedConditions returns conditions with probability above 0.5, most probable first.
func (r *RiskAssessment) DetectedConditions() []DetectedCondition {
	if r == nil {
		return nil
	}
	var out []DetectedCondition
	for name, c := range r.Conditions {
		if c.Probability > detectionThreshold {
			out = append(out, DetectedCondition{Name: name, Probability: c.Probability, Confidence: c.Confidence})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Confidence is the mean condition confidence as a rounded percentage.
func (r *RiskAssessment) Confidence() int {
	if r == nil || len(r.Conditions) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.Conditions {
		sum += c.Confidence
	}
	return int(math.Round(sum / float64(len(r.Conditions)) * 100))
}

func (r *RiskAssessment) clone() *RiskAssessment {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Conditions != nil {
		cp.Conditions = make(map[string]ConditionScore, len(r.Conditions))
		for k, v := range r.Conditions {
			cp.Conditions[k] = v
		}
	}
	if r.Structural != nil {
		cp.Structural = make(map[string]float64, len(r.Structural))
		for k, v := range r.Structural {
			cp.Structural[k] = v
		}
	}
	cp.Factors = append([]RiskFactor(nil), r.Factors...)
	cp.Recommendations = append([]string(nil), r.Recommendations...)
	return &cp
}

// Review is one doctor review of a record.
type Review struct {
	DoctorID         string        `json:"doctor_id"`
	Diagnosis        string        `json:"diagnosis,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	Recommendations  []string      `json:"recommendations,omitempty"`
	FollowUpRequired bool          `json:"follow_up_required"`
	FollowUpDate     *time.Time    `json:"follow_up_date,omitempty"`
	OverridePriority PriorityLevel `json:"override_priority,omitempty"`
	ReviewedAt       time.Time     `json:"reviewed_at"`
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelPush        Channel = "push"
	ChannelEmail       Channel = "email"
	ChannelSMS         Channel = "sms"
	ChannelDoctorAlert Channel = "doctor_alert"
)

// RecipientRole identifies who a notification is for.
type RecipientRole string

const (
	RecipientPatient          RecipientRole = "patient"
	RecipientDoctor           RecipientRole = "doctor"
	RecipientEmergencyContact RecipientRole = "emergency_contact"
)

// DeliveryOutcome is the result of one delivery attempt or of a whole dispatch.
type DeliveryOutcome string

const (
	OutcomeSent      DeliveryOutcome = "sent"
	OutcomeRetrying  DeliveryOutcome = "retrying"
	OutcomeFailed    DeliveryOutcome = "failed"
	OutcomeDuplicate DeliveryOutcome = "duplicate"
)

// Terminal reports whether no further attempts will follow.
func (o DeliveryOutcome) Terminal() bool {
	return o == OutcomeSent || o == OutcomeFailed || o == OutcomeDuplicate
}

// NotificationEntry is one row of a record's append-only notification log.
type NotificationEntry struct {
	Channel       Channel         `json:"channel"`
	RecipientRole RecipientRole   `json:"recipient_role"`
	DedupeKey     string          `json:"dedupe_key"`
	Attempt       int             `json:"attempt"`
	Outcome       DeliveryOutcome `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NotificationClaim marks a (record, dedupe key) pair as owned by one dispatch.
// Action carries the encoded action so unfinished claims can be replayed.
type NotificationClaim struct {
	RecordID  string          `json:"record_id"`
	DedupeKey string          `json:"dedupe_key"`
	Action    json.RawMessage `json:"action"`
	Outcome   DeliveryOutcome `json:"outcome,omitempty"`
	ClaimedAt time.Time       `json:"claimed_at"`
}

// Record is a single screening result and its triage state.
type Record struct {
	ID               string              `json:"id"`
	SubjectID        string              `json:"subject_id"`
	Images           []Image             `json:"images"`
	Risk             *RiskAssessment     `json:"risk_assessment,omitempty"`
	Priority         PriorityLevel       `json:"priority_level,omitempty"`
	State            State               `json:"state"`
	AssignedDoctorID string              `json:"assigned_doctor_id,omitempty"`
	Reviews          []Review            `json:"reviews,omitempty"`
	NotificationLog  []NotificationEntry `json:"notification_log,omitempty"`
	ManualOverride   bool                `json:"manual_override"`
	AnalysisDegraded bool                `json:"analysis_degraded"`
	AnalysisAttempt  int                 `json:"analysis_attempt"`
	AppliedAttempt   int                 `json:"applied_attempt"`
	RetryCount       int                 `json:"retry_count"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Images = append([]Image(nil), r.Images...)
	cp.Risk = r.Risk.clone()
	if r.Reviews != nil {
		cp.Reviews = make([]Review, len(r.Reviews))
		for i, rv := range r.Reviews {
			rv.Recommendations = append([]string(nil), rv.Recommendations...)
			if rv.FollowUpDate != nil {
				d := *rv.FollowUpDate
				rv.FollowUpDate = &d
			}
			cp.Reviews[i] = rv
		}
	}
	cp.NotificationLog = append([]NotificationEntry(nil), r.NotificationLog...)
	return &cp
}

// LatestReview returns the most recent review, or nil.
func (r *Record) LatestReview() *Review {
	if len(r.Reviews) == 0 {
		return nil
	}
	rv := r.Reviews[len(r.Reviews)-1]
	return &rv
}

// FollowUpRequired reports whether the latest review asked for follow-up.
func (r *Record) FollowUpRequired() bool {
	rv := r.LatestReview()
	return rv != nil && rv.FollowUpRequired
}

// InQueue reports whether the record belongs in its doctor's live queue.
func (r *Record) InQueue() bool {
	return r.AssignedDoctorID != "" && (r.State == StateCompleted || r.State == StateReviewed)
}
