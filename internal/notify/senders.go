package notify

import (
	"context"

	"github.com/linnemanlabs/lookout/internal/account"
	"github.com/linnemanlabs/lookout/internal/escalation"
)

// SMSSender sends a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, text string) error
}

// EmailSender sends an e-mail rendered from msg.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, msg escalation.Message) error
}

// PushSender delivers an in-app notification to a user.
type PushSender interface {
	PushInApp(ctx context.Context, userID string, msg escalation.Message) error
}

// DoctorAlerter sends the out-of-band alert for critical records.
type DoctorAlerter interface {
	AlertDoctor(ctx context.Context, doctor *account.Doctor, a escalation.Action) error
}

// Senders groups the channel senders. A nil sender makes its channel fail permanently.
type Senders struct {
	SMS         SMSSender
	Email       EmailSender
	Push        PushSender
	DoctorAlert DoctorAlerter
}
