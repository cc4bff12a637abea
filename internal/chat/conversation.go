// Package chat owns conversations and their messages. Store is the single
// authority on who may read or write a conversation: every operation checks
// that the requester is one of the two participants before touching data.
package chat

import (
	"context"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Conversation is a two-party chat. Participants never change.
type Conversation struct {
	ID           string     `json:"id"`
	ParticipantA string     `json:"participant_a"`
	ParticipantB string     `json:"participant_b"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// IsParticipant reports whether userID is one of the two participants.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.ParticipantA || userID == c.ParticipantB)
}

// Partner returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Partner(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// Participants returns both participant IDs.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}

// Active reports whether the conversation still accepts messages.
func (c *Conversation) Active() bool { return c.Status == StatusActive }

// Message is one stored chat message. Seq increases by one per message within
// a conversation; (CreatedAt, Seq) orders messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Flagged        bool      `json:"flagged"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// Block records that BlockerID never wants to talk to BlockedID again. Blocks
// are checked in both directions.
type Block struct {
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Persistence is the storage collaborator behind Store.
//
// InsertConversation must fail with an apperr AlreadyActive error when either
// participant already has an active conversation. GetConversation fails with
// NotFound. EndConversation is a compare-and-set from active to ended and
// reports whether this call made the transition; an already ended
// conversation is returned unchanged. ActiveConversation and LastMessage
// return nil, nil when there is nothing to return. InsertMessage fails with
// AccessDenied once the conversation has ended, with NotFound for an unknown
// conversation and with Conflict for a sequence number already taken. Inserts
// may arrive out of sequence order.
type Persistence interface {
	InsertConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	EndConversation(ctx context.Context, id string, endedAt time.Time) (conv *Conversation, transitioned bool, err error)
	ActiveConversation(ctx context.Context, userID string) (*Conversation, error)
	CountActive(ctx context.Context) (int, error)

	InsertMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error)
	LastMessage(ctx context.Context, conversationID string) (*Message, error)
}

// Blocks stores block relations. IsBlocked is symmetric; BlockedWith returns
// every user that userID blocked or was blocked by.
type Blocks interface {
	InsertBlock(ctx context.Context, b Block) error
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	BlockedWith(ctx context.Context, userID string) ([]string, error)
}
