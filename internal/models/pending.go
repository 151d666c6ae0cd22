package models

import "time"

// PendingKind is the kind of assistant-initiated invitation awaiting a reply.
type PendingKind string

const (
	PendingScheduledCheckin PendingKind = "scheduled_checkin"
	PendingMemoryEcho       PendingKind = "memory_echo"
	PendingBilanReschedule  PendingKind = "bilan_reschedule"
)

// PendingStatus is the lifecycle of a pending action.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusDone      PendingStatus = "done"
	PendingStatusCancelled PendingStatus = "cancelled"
	PendingStatusExpired   PendingStatus = "expired"
)

// PendingAction is a durable record of an outstanding invitation.
type PendingAction struct {
	ID                  string        `db:"id" json:"id"`
	AccountID           string        `db:"account_id" json:"account_id"`
	Kind                PendingKind   `db:"kind" json:"kind"`
	Status              PendingStatus `db:"status" json:"status"`
	Payload             string        `db:"payload" json:"payload"`
	ScheduledDeliveryID *string       `db:"scheduled_delivery_id" json:"scheduled_delivery_id,omitempty"`
	RetryCount          int           `db:"retry_count" json:"retry_count"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
	ResolvedAt          *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// InvitationPayload is the JSON payload carried by pending actions and the
// scheduled deliveries that create them.
type InvitationPayload struct {
	AccountID     string `json:"account_id"`
	Topic         string `json:"topic,omitempty"`
	Bilan         bool   `json:"bilan,omitempty"`
	MemoryID      string `json:"memory_id,omitempty"`
	MemoryContent string `json:"memory_content,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
}

// DeliveryStatusKind is the lifecycle of a scheduled delivery.
type DeliveryStatusKind string

const (
	DeliveryQueued   DeliveryStatusKind = "queued"
	DeliveryRunning  DeliveryStatusKind = "running"
	DeliveryDone     DeliveryStatusKind = "done"
	DeliveryFailed   DeliveryStatusKind = "failed"
	DeliveryCanceled DeliveryStatusKind = "canceled"
)

// Scheduled delivery kinds handled by the delivery worker.
const (
	DeliveryKindCheckin    = "checkin"
	DeliveryKindBilan      = "bilan"
	DeliveryKindMemoryEcho = "memory_echo"
)

// ScheduledDelivery is a durable future-send record picked up by the worker.
type ScheduledDelivery struct {
	ID          string             `db:"id" json:"id"`
	Kind        string             `db:"kind" json:"kind"`
	RunAt       time.Time          `db:"run_at" json:"run_at"`
	Payload     string             `db:"payload" json:"payload"`
	Status      DeliveryStatusKind `db:"status" json:"status"`
	Attempt     int                `db:"attempt" json:"attempt"`
	MaxAttempts int                `db:"max_attempts" json:"max_attempts"`
	LastError   *string            `db:"last_error" json:"last_error,omitempty"`
	LockedAt    *time.Time         `db:"locked_at" json:"locked_at,omitempty"`
	DedupeKey   *string            `db:"dedupe_key" json:"dedupe_key,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
}
