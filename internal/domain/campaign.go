package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// ContactStatus enumerates lifecycle states of a campaign contact.
type ContactStatus string

const (
	ContactStatusPending     ContactStatus = "pending"
	ContactStatusCalling     ContactStatus = "calling"
	ContactStatusCompleted   ContactStatus = "completed"
	ContactStatusFailed      ContactStatus = "failed"
	ContactStatusBlacklisted ContactStatus = "blacklisted"
	ContactStatusDoNotCall   ContactStatus = "do_not_call"
)

// Campaign models an outbound dialing campaign definition.
type Campaign struct {
	ID             uuid.UUID
	Name           string
	Description    string
	Status         CampaignStatus
	ScheduledStart *time.Time
	ScheduledStop  *time.Time
	IsRecurring    bool
	RecurrenceExpr string
	TimeZone       string

	// Pacing.
	MaxConcurrentCalls int
	CallsPerMinute     int
	RetryAttempts      int
	RetryDelay         time.Duration

	// Working window, minutes of local day and ISO weekday numbers (1=Monday .. 7=Sunday).
	WorkTimeStart int
	WorkTimeEnd   int
	WorkDays      []int

	// DTMFOutcomes maps a collected digit to a forced contact status,
	// e.g. "9" -> do_not_call for opt-out campaigns.
	DTMFOutcomes map[string]ContactStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact is a single dialable entry belonging to one campaign.
type Contact struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	PhoneNumber  string
	Status       ContactStatus
	CallAttempts int
	NextCallAt   *time.Time
	// TimeZone overrides the campaign timezone for window checks when set.
	TimeZone  string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionState enumerates the call session state machine.
type SessionState string

const (
	SessionQueued          SessionState = "queued"
	SessionDialing         SessionState = "dialing"
	SessionRinging         SessionState = "ringing"
	SessionAnswered        SessionState = "answered"
	SessionMachineDetected SessionState = "machine_detected"
	SessionHumanDetected   SessionState = "human_detected"
	SessionDTMFCollected   SessionState = "dtmf_collected"
	SessionNoAnswer        SessionState = "no_answer"
	SessionBusy            SessionState = "busy"
	SessionFailed          SessionState = "failed"
	SessionCompleted       SessionState = "completed"
)

// CallOutcome classifies a finished dialing attempt.
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "answered"
	OutcomeNoAnswer CallOutcome = "no_answer"
	OutcomeBusy     CallOutcome = "busy"
	OutcomeFailed   CallOutcome = "failed"
)

// Retryable reports whether the outcome should feed the retry policy.
func (o CallOutcome) Retryable() bool {
	switch o {
	case OutcomeNoAnswer, OutcomeBusy, OutcomeFailed:
		return true
	default:
		return false
	}
}

// CallRecord is the terminal record of one dialing attempt.
type CallRecord struct {
	SessionToken    string
	CampaignID      uuid.UUID
	ContactID       uuid.UUID
	PhoneNumber     string
	Outcome         CallOutcome
	Attempt         int
	HangupCause     string
	MachineDetected bool
	Digits          string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
}
