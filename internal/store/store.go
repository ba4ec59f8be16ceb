// Package store defines the persistence layer for tenants and calls.
//
// Two store interfaces are exposed: TenantStore holds the shared-read business
// records (tenant snapshot, voice profiles, minute counters) and CallStore
// holds everything a call produces (session record, conversation turns, leads,
// appointments, transfer records). PostgresStore implements both; MemStore
// provides in-memory equivalents for tests.
package store

import (
	"context"
	"time"

	"github.com/relayline/frontdesk/pkg/types"
)

// DayHours describes a single weekday's opening window.
type DayHours struct {
	// Open is the opening time in "15:04" format. Ignored when Closed is true.
	Open string `json:"open"`

	// Close is the closing time in "15:04" format. Ignored when Closed is true.
	Close string `json:"close"`

	// Closed marks the business closed for the whole day.
	Closed bool `json:"closed"`
}

// BusinessHours maps a lowercase weekday name ("monday" .. "sunday") to its
// opening window. Missing days are treated as closed.
type BusinessHours map[string]DayHours

// Tenant is a business served by the receptionist. Tenants are shared-read:
// each call takes a snapshot at start and never mutates it.
type Tenant struct {
	ID           string
	BusinessName string
	Industry     string
	Region       string

	// Timezone is an IANA zone name (e.g., "America/New_York") used to render
	// business hours and the current local time into the system prompt.
	Timezone string

	Hours BusinessHours

	// VoiceProfileID selects the TTS voice for this tenant's calls.
	VoiceProfileID string

	// SystemPrompt is tenant-authored context injected into every dialogue
	// prompt (services, tone, policies).
	SystemPrompt string

	Services     []string
	PricingNotes string

	// TransferEnabled and TransferNumber control the human-transfer workflow.
	TransferEnabled bool
	TransferNumber  string

	ContactEmail string

	// IntroText is the greeting spoken when a call connects.
	IntroText string

	// Minute quota counters. PaidPlan=false means the tenant is on trial and
	// admission requires TrialMinutesUsed < TrialMinutes.
	TrialMinutes        int
	TrialMinutesUsed    int
	PaidPlan            bool
	PaidMinutesIncluded int
	PaidMinutesUsed     int

	// BillingCustomerID is the payment-processor customer id used to key
	// overage events.
	BillingCustomerID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Call session status values.
const (
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusTransferred = "transferred"
)

// CallSession is the per-call running record. It is created at carrier start,
// mutated only by its owning session goroutine, and finalised exactly once.
type CallSession struct {
	// CallSID is the carrier-issued call identifier and primary key.
	CallSID string

	TenantID     string
	CallerNumber string

	// StreamSID is issued by the carrier in the start frame and echoed on
	// every outbound media frame.
	StreamSID string

	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int

	// Status is one of the Status* constants.
	Status string

	// Summary is the user turns concatenated, truncated to 200 characters.
	Summary string
}

// Lead is a sales lead extracted from a finished call. At most one per call,
// and only if at least one of Name/Email/Phone was recoverable.
type Lead struct {
	ID       string
	TenantID string
	CallSID  string
	Name     string
	Email    string
	Phone    string
	Notes    string
	Source   string
	Status   string

	CreatedAt time.Time
}

// Appointment status values.
const (
	AppointmentConfirmed = "confirmed"
	AppointmentPending   = "pending"
)

// Appointment is a booking produced either in-call (marker block) or by the
// post-call extraction pass. At most one per call.
type Appointment struct {
	ID       string
	TenantID string
	CallSID  string

	CustomerName  string
	CustomerPhone string
	CustomerEmail string

	// Date is "2006-01-02"; StartTime and EndTime are "15:04".
	Date      string
	StartTime string
	EndTime   string

	Service string
	Notes   string

	// Status is AppointmentConfirmed or AppointmentPending.
	Status string

	CreatedAt time.Time
}

// Transfer record status values.
const (
	TransferInitiated = "initiated"
	TransferFailed    = "failed"
)

// TransferRecord logs a human-transfer attempt.
type TransferRecord struct {
	ID       string
	TenantID string
	CallSID  string

	// Number is the destination the call was (or would have been) sent to.
	Number string

	// Summary is the conversation history string handed to the agent.
	Summary string

	// Status is TransferInitiated or TransferFailed.
	Status string

	// Reason explains a failed transfer (e.g., "number not configured").
	Reason string

	CreatedAt time.Time
}

// TenantStore provides read access to tenant records and monotonic minute
// accounting. Implementations must be safe for concurrent use.
type TenantStore interface {
	// GetTenant retrieves a tenant by id. Returns (nil, nil) if no tenant with
	// the given id exists.
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// GetVoiceProfile retrieves a voice profile by id. Returns (nil, nil) if
	// not found.
	GetVoiceProfile(ctx context.Context, id string) (*types.VoiceProfile, error)

	// AddTrialMinutes increments trial_minutes_used by minutes. The increment
	// is monotonic and applied in the store, never computed client-side.
	AddTrialMinutes(ctx context.Context, tenantID string, minutes int) error

	// AddPaidMinutes increments paid_minutes_used by minutes and returns the
	// new total, letting the caller detect overage past the included quota.
	AddPaidMinutes(ctx context.Context, tenantID string, minutes int) (int, error)
}

// CallStore persists everything a call produces. Implementations must be safe
// for concurrent use.
type CallStore interface {
	// UpsertSession creates or replaces the call session keyed by CallSID.
	UpsertSession(ctx context.Context, sess *CallSession) error

	// AppendTurns appends conversation turns to the call's log. Turns are
	// append-only and ordered by timestamp within a call.
	AppendTurns(ctx context.Context, callSID string, turns []types.Turn) error

	// InsertLead persists a lead.
	InsertLead(ctx context.Context, lead *Lead) error

	// InsertAppointment persists an appointment.
	InsertAppointment(ctx context.Context, appt *Appointment) error

	// InsertTransfer persists a transfer record.
	InsertTransfer(ctx context.Context, rec *TransferRecord) error
}
