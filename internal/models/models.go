// Package models defines the core data structures for CoachPipe.
//
// It includes accounts, inbound and outbound message records, linking rows,
// pending invitations and the API response envelope shared across modules.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength is the longest body the transports accept in one send.
	MaxMessageBodyLength = 4096
	// MaxPersonalFactLength caps what is stored from a single personal-fact reply.
	MaxPersonalFactLength = 500
)

// OnboardingState is the per-account guided-conversation state. The zero value
// means the account is in unguided (default) conversation.
type OnboardingState string

const (
	StateNone                    OnboardingState = ""
	StatePlanFinalization        OnboardingState = "awaiting_plan_finalization"
	StatePlanFinalizationSupport OnboardingState = "awaiting_plan_finalization_support"
	StateOnboardingFocusChoice   OnboardingState = "awaiting_onboarding_focus_choice"
	StatePlanMotivation          OnboardingState = "awaiting_plan_motivation"
	StatePersonalFact            OnboardingState = "awaiting_personal_fact"
	StateDeferredMotivation      OnboardingState = "awaiting_deferred_motivation"
	StateDeferredPersonalFact    OnboardingState = "awaiting_deferred_personal_fact"
)

// IsValid reports whether s is one of the known onboarding states (or none).
func (s OnboardingState) IsValid() bool {
	switch s {
	case StateNone, StatePlanFinalization, StatePlanFinalizationSupport, StateOnboardingFocusChoice,
		StatePlanMotivation, StatePersonalFact, StateDeferredMotivation, StateDeferredPersonalFact:
		return true
	}
	return false
}

// Scan implements sql.Scanner; NULL maps to StateNone.
func (s *OnboardingState) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = StateNone
	case string:
		*s = OnboardingState(v)
	case []byte:
		*s = OnboardingState(v)
	default:
		return fmt.Errorf("cannot scan %T into OnboardingState", src)
	}
	return nil
}

// Value implements driver.Valuer; StateNone is stored as NULL.
func (s OnboardingState) Value() (driver.Value, error) {
	if s == StateNone {
		return nil, nil
	}
	return string(s), nil
}

// DeferredStep is an onboarding question postponed during an urgent or serious turn.
type DeferredStep string

const (
	StepMotivation   DeferredStep = "motivation"
	StepPersonalFact DeferredStep = "personal_fact"
)

// DeferredSteps is an ordered list persisted as a JSON array.
type DeferredSteps []DeferredStep

// Scan implements sql.Scanner.
func (d *DeferredSteps) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into DeferredSteps", src)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		*d = nil
		return nil
	}
	var steps []DeferredStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return fmt.Errorf("decode deferred steps: %w", err)
	}
	*d = steps
	return nil
}

// Value implements driver.Valuer.
func (d DeferredSteps) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]DeferredStep(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether step is queued.
func (d DeferredSteps) Contains(step DeferredStep) bool {
	for _, s := range d {
		if s == step {
			return true
		}
	}
	return false
}

// Merge appends the steps that are not queued yet, keeping order.
func (d DeferredSteps) Merge(steps ...DeferredStep) DeferredSteps {
	out := append(DeferredSteps(nil), d...)
	for _, s := range steps {
		if !out.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}

// Pop returns the first queued step and the remaining list.
func (d DeferredSteps) Pop() (DeferredStep, DeferredSteps, bool) {
	if len(d) == 0 {
		return "", d, false
	}
	rest := append(DeferredSteps(nil), d[1:]...)
	return d[0], rest, true
}

// Account is an application account as seen by the message core.
type Account struct {
	ID                 string          `db:"id" json:"id"`
	Email              string          `db:"email" json:"email"`
	DisplayName        string          `db:"display_name" json:"display_name"`
	Phone              *string         `db:"phone" json:"phone,omitempty"`
	PhoneVerified      bool            `db:"phone_verified" json:"phone_verified"`
	OnboardingState    OnboardingState `db:"onboarding_state" json:"onboarding_state,omitempty"`
	OnboardingVersion  int             `db:"onboarding_version" json:"onboarding_version"`
	OnboardingAttempts int             `db:"onboarding_attempts" json:"onboarding_attempts"`
	DeferredSteps      DeferredSteps   `db:"deferred_steps" json:"deferred_steps"`
	MotivationScore    *int            `db:"motivation_score" json:"motivation_score,omitempty"`
	BilanOptIn         bool            `db:"bilan_opt_in" json:"bilan_opt_in"`
	OptedOutAt         *time.Time      `db:"opted_out_at" json:"opted_out_at,omitempty"`
	FirstTouchedAt     *time.Time      `db:"first_touched_at" json:"first_touched_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// PhoneNumber returns the stored phone or an empty string.
func (a *Account) PhoneNumber() string {
	if a.Phone == nil {
		return ""
	}
	return *a.Phone
}

// OptedOut reports whether the account asked to stop receiving messages.
func (a *Account) OptedOut() bool {
	return a.OptedOutAt != nil
}

// MemoryKind distinguishes onboarding personal facts from general memories.
type MemoryKind string

const (
	MemoryKindPersonalFact MemoryKind = "personal_fact"
	MemoryKindMemory       MemoryKind = "memory"
)

// Memory is a durable fact tied to an account.
type Memory struct {
	ID        string     `db:"id" json:"id"`
	AccountID string     `db:"account_id" json:"account_id"`
	Kind      MemoryKind `db:"kind" json:"kind"`
	Content   string     `db:"content" json:"content"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents the standard API response structure.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success creates a successful API response with result data.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
