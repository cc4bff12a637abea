package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/anonyconnect/internal/chat"
)

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","conversation_id":"abc-123","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	assert.Equal(t, TypeSendMessage, msgType)

	sm, ok := msg.(SendMessageMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "abc-123", sm.ConversationID)
	assert.Equal(t, "Hello!", sm.Content)
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{`{"type":"join","user_id":"u1"}`, JoinMsg{Type: TypeJoin, UserID: "u1"}},
		{`{"type":"leave_conversation","conversation_id":"c1"}`, LeaveConversationMsg{Type: TypeLeaveConversation, ConversationID: "c1"}},
		{`{"type":"find_match"}`, FindMatchMsg{Type: TypeFindMatch}},
		{`{"type":"cancel_match"}`, CancelMatchMsg{Type: TypeCancelMatch}},
		{`{"type":"end_conversation","conversation_id":"c1"}`, EndConversationMsg{Type: TypeEndConversation, ConversationID: "c1"}},
		{`{"type":"ping"}`, PingMsg{Type: TypePing}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", `{"type":"hack_server"}`},
		{"server only type", `{"type":"new_message"}`},
		{"missing type", `{"content":"hi"}`},
		{"empty type", `{"type":""}`},
		{"invalid json", `{not json`},
		{"wrong field type", `{"type":"send_message","content":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestNewServerMessage_NewMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeNewMessage, NewMessageMsg{Message: chat.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hey", Seq: 3, CreatedAt: created,
	}})
	require.NoError(t, err)

	var out struct {
		Type    string       `json:"type"`
		Message chat.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, TypeNewMessage, out.Type)
	assert.Equal(t, "hey", out.Message.Content)
	assert.Equal(t, int64(3), out.Message.Seq)
	assert.True(t, created.Equal(out.Message.CreatedAt))
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	for _, payload := range []any{nil, PongMsg{}} {
		data, err := NewServerMessage(TypePong, payload)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"pong"}`, string(data))
	}
}

func TestNewServerMessage_NonObjectPayload(t *testing.T) {
	_, err := NewServerMessage(TypeError, []string{"nope"})
	assert.Error(t, err)
}

func TestErrorFrame(t *testing.T) {
	assert.JSONEq(t, `{"type":"error","code":"access_denied","message":"conversation has ended"}`,
		string(ErrorFrame("access_denied", "conversation has ended")))
}

func TestEnvelopeKeepsRaw(t *testing.T) {
	input := []byte(`{"type":"join","user_id":"u1"}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(input, &env))
	assert.Equal(t, TypeJoin, env.Type)
	assert.JSONEq(t, string(input), string(env.Raw))
}
