package chat

// Event types published on conversation.<id> subjects.
const (
	EventCreated = "created"
	EventEnded   = "ended"
)

// Event is the lifecycle payload published to the message bus so that other
// processes (audit, analytics) can follow conversations without polling.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Participants   [2]string `json:"participants"`
	Ts             int64     `json:"ts"` // unix millis
}

// NewEvent builds an event for conv.
func NewEvent(eventType string, conv *Conversation) Event {
	ts := conv.CreatedAt.UnixMilli()
	if eventType == EventEnded && conv.EndedAt != nil {
		ts = conv.EndedAt.UnixMilli()
	}
	return Event{
		Type:           eventType,
		ConversationID: conv.ID,
		Participants:   conv.Participants(),
		Ts:             ts,
	}
}
