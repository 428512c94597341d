// Package notify turns business events into queued notification jobs and
// delivers those jobs over the in-app, email and SMS channels.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lalithlochan/ledgerdesk/internal/delivery"
)

// Delivery channels. The names match the notification_preferences table.
const (
	ChannelInApp = "in_app"
	ChannelEmail = delivery.ChannelEmail
	ChannelSMS   = delivery.ChannelSMS
)

// InAppOptions selects the in-app channel.
type InAppOptions struct{}

// EmailOptions selects the email channel. Empty fields are filled from the
// user directory and the notification title.
type EmailOptions struct {
	To      string `json:"to,omitempty" validate:"omitempty,email"`
	Subject string `json:"subject,omitempty" validate:"max=200"`
}

// SMSOptions selects the SMS channel.
type SMSOptions struct {
	To string `json:"to,omitempty" validate:"omitempty,e164"`
}

// Channels lists the channels a payload asks for. No channel at all means
// in-app only.
type Channels struct {
	InApp *InAppOptions `json:"inApp,omitempty"`
	Email *EmailOptions `json:"email,omitempty" validate:"omitempty"`
	SMS   *SMSOptions   `json:"sms,omitempty" validate:"omitempty"`
}

// Payload is the job body for one notification to one user.
type Payload struct {
	UserID           uuid.UUID      `json:"userId" validate:"required"`
	CompanyID        uuid.UUID      `json:"companyId" validate:"required"`
	NotificationType string         `json:"notificationType" validate:"required,max=64"`
	Title            string         `json:"title" validate:"required,max=200"`
	Message          string         `json:"message" validate:"required,max=2000"`
	Link             *string        `json:"link,omitempty" validate:"omitempty,max=2048"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Channels         Channels       `json:"channels"`
	// Fallback allows one alternate channel when a channel fails permanently.
	Fallback bool `json:"fallback"`
}

// Job is what the notifications queue carries.
type Job struct {
	Payload    Payload `json:"payload" validate:"required"`
	WorkflowID string  `json:"workflowId" validate:"required,max=200"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPayload wraps every validation failure.
var ErrInvalidPayload = errors.New("invalid notification payload")

// Validate checks the structural rules of a job.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if j.Payload.UserID == uuid.Nil || j.Payload.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: userId and companyId are required", ErrInvalidPayload)
	}
	return nil
}

// Requested returns the channels in delivery order: in-app first, so the
// record exists before any email or SMS points to it.
func (c Channels) Requested() []string {
	var out []string
	if c.InApp != nil {
		out = append(out, ChannelInApp)
	}
	if c.Email != nil {
		out = append(out, ChannelEmail)
	}
	if c.SMS != nil {
		out = append(out, ChannelSMS)
	}
	if len(out) == 0 {
		out = append(out, ChannelInApp)
	}
	return out
}

// alternate is the channel tried once when ch fails permanently.
func alternate(ch string) string {
	switch ch {
	case ChannelEmail:
		return ChannelInApp
	case ChannelSMS:
		return ChannelEmail
	case ChannelInApp:
		return ChannelEmail
	default:
		return ""
	}
}

func (p *Payload) metadataJSON() json.RawMessage {
	if len(p.Metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil
	}
	return data
}
