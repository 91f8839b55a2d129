package models

import (
	"time"
)

type User struct {
	ID       int       `json:"id" db:"id"`
	Email    string    `json:"email" db:"email"`
	Username string    `json:"username" db:"username"`
	Created  time.Time `json:"created" db:"created"`
}

// Credits is a per-user prepaid balance. One row per user, mutated in place;
// the store only ever changes it through atomic conditional updates.
type Credits struct {
	UserID  int `json:"user_id" db:"user_id"`
	Balance int `json:"balance" db:"balance"`
}

type Occasion struct {
	ID             int        `json:"id" db:"id"`
	UserID         int        `json:"user_id" db:"user_id"`
	Label          string     `json:"label" db:"label"`
	Type           string     `json:"type" db:"type"`
	Tone           string     `json:"tone" db:"tone"`
	RecipientEmail string     `json:"recipient_email" db:"recipient_email"`
	Date           time.Time  `json:"date" db:"date"`
	CustomInput    string     `json:"custom_input" db:"custom_input"`
	Created        time.Time  `json:"created" db:"created"`
	Summary        *string    `json:"summary,omitempty" db:"summary"`
	DateProcessed  *time.Time `json:"date_processed,omitempty" db:"date_processed"`
	IsRecurring    bool       `json:"is_recurring" db:"is_recurring"`
	IsDraft        bool       `json:"is_draft" db:"is_draft"`
	IsProcessing   bool       `json:"is_processing" db:"is_processing"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// Processed reports whether the occasion has reached its terminal state.
func (o *Occasion) Processed() bool {
	return o.DateProcessed != nil
}

// Upcoming reports whether the occasion counts toward its owner's
// open-occasion cap at the given instant.
func (o *Occasion) Upcoming(now time.Time) bool {
	return !o.IsDraft && o.DateProcessed == nil && !o.Date.Before(now)
}

// OccasionPatch enumerates the mutable occasion fields. Nil means "leave
// unchanged". System-managed fields (summary, date_processed, is_processing)
// are deliberately not representable here.
type OccasionPatch struct {
	Label          *string    `json:"label,omitempty"`
	Type           *string    `json:"type,omitempty"`
	Tone           *string    `json:"tone,omitempty"`
	RecipientEmail *string    `json:"recipient_email,omitempty"`
	Date           *time.Time `json:"date,omitempty"`
	CustomInput    *string    `json:"custom_input,omitempty"`
	IsRecurring    *bool      `json:"is_recurring,omitempty"`
}

// Occasion type constants
const (
	OccasionTypeBirthday    = "birthday"
	OccasionTypeAnniversary = "anniversary"
	OccasionTypeGraduation  = "graduation"
	OccasionTypeOther       = "other"
)

// Occasion tone constants
const (
	OccasionToneNormal      = "normal"
	OccasionToneSympathetic = "sympathetic"
	OccasionToneEncouraging = "encouraging"
	OccasionToneCelebratory = "celebratory"
	OccasionToneSarcastic   = "sarcastic"
)

var occasionTypes = map[string]bool{
	OccasionTypeBirthday:    true,
	OccasionTypeAnniversary: true,
	OccasionTypeGraduation:  true,
	OccasionTypeOther:       true,
}

var occasionTones = map[string]bool{
	OccasionToneNormal:      true,
	OccasionToneSympathetic: true,
	OccasionToneEncouraging: true,
	OccasionToneCelebratory: true,
	OccasionToneSarcastic:   true,
}

func ValidOccasionType(t string) bool {
	return occasionTypes[t]
}

func ValidOccasionTone(t string) bool {
	return occasionTones[t]
}

type EmailLog struct {
	ID             int        `json:"id" db:"id"`
	UserID         *int       `json:"user_id,omitempty" db:"user_id"`
	RecipientEmail string     `json:"recipient_email" db:"recipient_email"`
	EmailType      string     `json:"email_type" db:"email_type"`
	Subject        string     `json:"subject" db:"subject"`
	BodyText       string     `json:"body_text" db:"body_text"`
	Status         string     `json:"status" db:"status"`
	SESMessageID   *string    `json:"ses_message_id,omitempty" db:"ses_message_id"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Email types constants
const (
	EmailTypeOccasion = "occasion_notification"
)

// Email statuses constants
const (
	EmailStatusPending = "pending"
	EmailStatusSent    = "sent"
	EmailStatusFailed  = "failed"
)
