package models

import (
	"strings"
	"time"
)

// EventType is the inbound message kind reported by the messaging platform.
type EventType string

const (
	EventTypeText        EventType = "text"
	EventTypeButton      EventType = "button"
	EventTypeInteractive EventType = "interactive"
)

// InboundEvent is one normalized inbound message. MessageID is the natural key.
type InboundEvent struct {
	MessageID        string     `db:"message_id" json:"message_id"`
	Phone            string     `db:"phone" json:"phone"`
	AccountID        *string    `db:"account_id" json:"account_id,omitempty"`
	Type             EventType  `db:"type" json:"type"`
	Body             string     `db:"body" json:"body"`
	InteractiveID    string     `db:"interactive_id" json:"interactive_id,omitempty"`
	InteractiveTitle string     `db:"interactive_title" json:"interactive_title,omitempty"`
	Timestamp        time.Time  `db:"received_at" json:"timestamp"`
	ProcessedAt      *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Text returns what the user said: the typed body, else the selected button title or id.
func (e InboundEvent) Text() string {
	if s := strings.TrimSpace(e.Body); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.InteractiveTitle); s != "" {
		return s
	}
	return strings.TrimSpace(e.InteractiveID)
}

// DeliveryStatus is a normalized delivery/read receipt.
type DeliveryStatus struct {
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	Status            string    `db:"status" json:"status"`
	Recipient         string    `db:"recipient" json:"recipient"`
	Timestamp         time.Time `db:"occurred_at" json:"timestamp"`
}

// Purpose tags identify which branch produced an outbound message. Cooldown and
// escalation checks query the audit log by these values, so they must stay stable.
type Purpose string

const (
	PurposeConversationReply Purpose = "conversation_reply"
	PurposeFallback          Purpose = "fallback_reply"
	PurposeOptOutAck         Purpose = "opt_out_ack"
	PurposeOptInAck          Purpose = "opt_in_ack"

	PurposeLinkIntro          Purpose = "link_intro"
	PurposeLinkAmbiguousIntro Purpose = "link_ambiguous_intro"
	PurposeLinkEmailSent      Purpose = "link_email_sent"
	PurposeLinkConfirmEmail   Purpose = "link_confirm_email"
	PurposeLinkSupport        Purpose = "link_support_required"
	PurposeLinkBlockNotice    Purpose = "link_block_notice"
	PurposeLinkSuccess        Purpose = "link_success"
	PurposeLinkTokenInvalid   Purpose = "link_token_invalid"
	PurposeLinkResumed        Purpose = "link_resumed"

	PurposePlanFinalizationPrompt   Purpose = "onboarding_plan_finalization_prompt"
	PurposePlanFinalizationClarify  Purpose = "onboarding_plan_finalization_clarify"
	PurposePlanFinalizationReminder Purpose = "onboarding_plan_finalization_reminder"
	PurposePlanFinalizationRetry    Purpose = "onboarding_plan_finalization_retry"
	PurposeSupportEscalation        Purpose = "onboarding_support_escalation"
	PurposeFocusChoicePrompt        Purpose = "onboarding_focus_choice_prompt"
	PurposeFocusChoiceClarify       Purpose = "onboarding_focus_choice_clarify"
	PurposeFocusOther               Purpose = "onboarding_focus_other"
	PurposeMotivationPrompt         Purpose = "onboarding_motivation_prompt"
	PurposeMotivationReprompt       Purpose = "onboarding_motivation_reprompt"
	PurposePersonalFactPrompt       Purpose = "onboarding_personal_fact_prompt"
	PurposePersonalFactAck          Purpose = "onboarding_personal_fact_ack"
	PurposeOnboardingComplete       Purpose = "onboarding_complete"
	PurposeDeferredMotivation       Purpose = "onboarding_deferred_motivation"
	PurposeDeferredPersonalFact     Purpose = "onboarding_deferred_personal_fact"
	PurposeDeferredAck              Purpose = "onboarding_deferred_ack"

	PurposeCheckinInvitation    Purpose = "checkin_invitation"
	PurposeBilanInvitation      Purpose = "bilan_invitation"
	PurposeMemoryEchoInvitation Purpose = "memory_echo_invitation"
	PurposeCheckinAccept        Purpose = "checkin_accept"
	PurposeCheckinDeferAck      Purpose = "checkin_defer_ack"
	PurposeCheckinDeclineAck    Purpose = "checkin_decline_ack"
	PurposeMemoryEchoAccept     Purpose = "memory_echo_accept"
	PurposeMemoryEchoDeferAck   Purpose = "memory_echo_defer_ack"
	PurposeMemoryEchoDeclineAck Purpose = "memory_echo_decline_ack"

	PurposeBilanReschedulePrompt   Purpose = "bilan_reschedule_prompt"
	PurposeBilanRescheduleReprompt Purpose = "bilan_reschedule_reprompt"
	PurposeBilanRescheduleAck      Purpose = "bilan_reschedule_ack"
	PurposeBilanStart              Purpose = "bilan_start"
)

// OutboundMessage is one row of the write-once outbound audit log.
type OutboundMessage struct {
	TrackingID        string    `db:"tracking_id" json:"tracking_id"`
	AccountID         *string   `db:"account_id" json:"account_id,omitempty"`
	ToPhone           string    `db:"to_phone" json:"to_phone"`
	Content           string    `db:"content" json:"content"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Purpose           Purpose   `db:"purpose" json:"purpose"`
	IsProactive       bool      `db:"is_proactive" json:"is_proactive"`
	ReplyToInboundID  *string   `db:"reply_to_inbound_id" json:"reply_to_inbound_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// TurnRole marks who spoke in a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is one entry of the rolling history passed to generation calls.
type ConversationTurn struct {
	Role    TurnRole  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
