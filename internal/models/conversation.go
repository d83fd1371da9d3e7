package models

import (
	"strconv"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusBooked    ConversationStatus = "booked"
	ConversationStatusCompleted ConversationStatus = "completed"
)

// IsValidConversationStatus checks if the given status is one of the known values.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusBooked, ConversationStatusCompleted:
		return true
	default:
		return false
	}
}

// Sender identifies who wrote a message.
type Sender string

const (
	// SenderContact is the external contact talking to the automation.
	SenderContact Sender = "contact"
	// SenderBot is the automation itself.
	SenderBot Sender = "bot"
	// SenderUser is a human operator writing from the platform.
	SenderUser Sender = "user"
)

// Lead score bounds.
const (
	MinLeadScore = 0
	MaxLeadScore = 100
)

// Contact carries the contact fields recorded on a conversation at creation.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Conversation ties an external conversation and contact to a strategy.
type Conversation struct {
	ID                string             `json:"id"`
	AccountID         string             `json:"account_id"`
	ExternalID        string             `json:"external_id"`
	StrategyID        string             `json:"strategy_id,omitempty"`
	Contact           Contact            `json:"contact"`
	Status            ConversationStatus `json:"status"`
	AutomationEnabled bool               `json:"automation_enabled"`
	LeadScore         int                `json:"lead_score"`
	StartedAt         time.Time          `json:"started_at"`
	LastMessageAt     time.Time          `json:"last_message_at"`
}

// Message is an append-only turn record. Seq is the store's insertion sequence and
// breaks ties between equal timestamps.
type Message struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// JobKindFollowUp is the durable job kind for scheduled follow-up messages.
const JobKindFollowUp = "followup"

// FollowUpPayload is the JSON payload of a follow-up job.
type FollowUpPayload struct {
	ConversationID string    `json:"conversation_id"`
	Index          int       `json:"index"`
	Message        string    `json:"message"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// FollowUpDedupePrefix is the dedupe-key prefix shared by a conversation's follow-up jobs.
func FollowUpDedupePrefix(conversationID string) string {
	return "followup:" + conversationID + ":"
}

// FollowUpDedupeKey identifies the index-th follow-up of a conversation.
func FollowUpDedupeKey(conversationID string, index int) string {
	return FollowUpDedupePrefix(conversationID) + strconv.Itoa(index)
}
