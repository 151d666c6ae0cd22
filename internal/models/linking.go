package models

import "time"

// LinkRequestStatus tracks the linking conversation of one unlinked phone.
type LinkRequestStatus string

const (
	LinkStatusPending         LinkRequestStatus = "pending"
	LinkStatusConfirmEmail    LinkRequestStatus = "confirm_email"
	LinkStatusSupportRequired LinkRequestStatus = "support_required"
	LinkStatusLinked          LinkRequestStatus = "linked"
	LinkStatusBlocked         LinkRequestStatus = "blocked"
)

// LinkRequest is keyed by phone because the phone has no account yet.
type LinkRequest struct {
	Phone            string            `db:"phone" json:"phone"`
	Status           LinkRequestStatus `db:"status" json:"status"`
	Attempts         int               `db:"attempts" json:"attempts"`
	LastPromptedAt   *time.Time        `db:"last_prompted_at" json:"last_prompted_at,omitempty"`
	LastEmailAttempt *string           `db:"last_email_attempt" json:"last_email_attempt,omitempty"`
	LinkedAccountID  *string           `db:"linked_account_id" json:"linked_account_id,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// LinkTokenStatus is the lifecycle of a link token row.
type LinkTokenStatus string

const (
	TokenStatusActive   LinkTokenStatus = "active"
	TokenStatusConsumed LinkTokenStatus = "consumed"
	TokenStatusExpired  LinkTokenStatus = "expired"
)

// LinkTokenPurpose selects the TTL and wording of a link email.
type LinkTokenPurpose string

const (
	TokenPurposeWrongNumber LinkTokenPurpose = "wrong_number"
	TokenPurposeAmbiguous   LinkTokenPurpose = "ambiguous"
)

// LinkToken is the persisted half of a single-use link credential. ID is the
// token's jti claim.
type LinkToken struct {
	ID               string           `db:"id" json:"id"`
	AccountID        string           `db:"account_id" json:"account_id"`
	Purpose          LinkTokenPurpose `db:"purpose" json:"purpose"`
	RequestedByPhone string           `db:"requested_by_phone" json:"requested_by_phone"`
	Status           LinkTokenStatus  `db:"status" json:"status"`
	ExpiresAt        time.Time        `db:"expires_at" json:"expires_at"`
	ConsumedAt       *time.Time       `db:"consumed_at" json:"consumed_at,omitempty"`
	ConsumedByPhone  *string          `db:"consumed_by_phone" json:"consumed_by_phone,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// PhoneTransfer describes the outcome of consuming a link token.
type PhoneTransfer struct {
	AccountID         string
	Phone             string
	PreviousAccountID string
	PreviousEmail     string
}
