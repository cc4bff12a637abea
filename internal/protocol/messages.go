// Package protocol defines the WebSocket frames exchanged between clients and
// the relay. Every frame is a JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/anonyconnect/internal/chat"
)

// Client -> Server message types.
const (
	TypeJoin              = "join"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeFindMatch         = "find_match"
	TypeCancelMatch       = "cancel_match"
	TypeEndConversation   = "end_conversation"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeJoined            = "joined"
	TypeNewMessage        = "new_message"
	TypeMessageRejected   = "message_rejected"
	TypeConversationEnded = "conversation_ended"
	TypeMatchingStarted   = "matching_started"
	TypeMatchFound        = "match_found"
	TypeMatchTimeout      = "match_timeout"
	TypeRateLimited       = "rate_limited"
	TypeBanned            = "banned"
	TypeError             = "error"
	TypePong              = "pong"
)

// Envelope holds the message type and the raw frame for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes and extracts only the type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// JoinMsg binds the connection to a user.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// LeaveConversationMsg stops conversation pushes to this connection without
// ending the conversation.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg is a chat message from the client.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type FindMatchMsg struct {
	Type string `json:"type"`
}

type CancelMatchMsg struct {
	Type string `json:"type"`
}

type EndConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// JoinedMsg confirms a join. ConversationID is the user's active
// conversation, if any, so the client can replay history.
type JoinedMsg struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type NewMessageMsg struct {
	Message chat.Message `json:"message"`
}

// MessageRejectedMsg goes to the sender only.
type MessageRejectedMsg struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

type ConversationEndedMsg struct {
	ConversationID string `json:"conversation_id"`
}

type MatchingStartedMsg struct {
	Timeout int `json:"timeout"` // seconds
}

type MatchFoundMsg struct {
	ConversationID  string   `json:"conversation_id"`
	PartnerName     string   `json:"partner_name,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

type MatchTimeoutMsg struct{}

// RateLimitedMsg tells the client when it may retry, in seconds.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// BannedMsg carries the remaining ban in seconds.
type BannedMsg struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a client frame into its concrete struct. Unknown
// and server-only types are errors.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndConversation:
		var m EndConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a JSON object and sets its "type" to
// msgType. payload must encode to an object (or be nil).
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	m := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
		}
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode.
func MustServerMessage(msgType string, payload any) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}

// ErrorFrame encodes an error frame.
func ErrorFrame(code, message string) []byte {
	return MustServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}
