package escalation

import (
	"fmt"

	"github.com/linnemanlabs/lookout/internal/screening"
)

// Message is the rendered, channel-neutral content of an action.
type Message struct {
	Title    string
	Body     string
	Priority screening.PriorityLevel
	RecordID string
}

// Message renders the user-facing text for the action.
func (a Action) Message() Message {
	m := Message{Priority: a.New, RecordID: a.RecordID}

	switch {
	case a.Recipient == screening.RecipientEmergencyContact:
		m.Title = "Urgent eye screening result"
		m.Body = "A person who listed you as their emergency contact has a critical eye screening result " +
			"that needs immediate medical attention. Please help them reach their doctor today."
	case a.Channel == screening.ChannelDoctorAlert:
		m.Title = "Critical screening in your queue"
		m.Body = fmt.Sprintf("Screening %s was classified critical and needs review now.", a.RecordID)
	case a.HasReason(ReasonHighPriority) && a.New == screening.PriorityCritical:
		m.Title = "Your eye screening needs immediate attention"
		m.Body = "Your screening result shows signs that need urgent care. Please contact your doctor " +
			"or an eye clinic today."
	case a.HasReason(ReasonHighPriority):
		m.Title = "Your eye screening needs attention"
		m.Body = "Your screening result should be reviewed by a doctor soon. Please book an appointment " +
			"within the next few days."
	case a.HasReason(ReasonReviewed):
		m.Title = "A doctor has reviewed your results"
		m.Body = fmt.Sprintf("Your screening results have been reviewed. Current priority: %s.", a.New)
	default:
		m.Title = "Your screening results are ready"
		m.Body = fmt.Sprintf("Your screening has been analysed. Priority: %s.", a.New)
	}
	return m
}
