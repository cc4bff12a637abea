// Package memory is an in-process implementation of every storage
// collaborator: conversations, messages, blocks, reports and user sessions.
// It backs tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/report"
	"github.com/whisper/anonyconnect/internal/session"
)

var (
	_ chat.Persistence = (*Store)(nil)
	_ chat.Blocks      = (*Store)(nil)
	_ report.Sink      = (*Store)(nil)
	_ session.Store    = (*Store)(nil)
)

type blockKey struct{ blocker, blocked string }

// Store is safe for concurrent use. Values are copied in and out so callers
// never share memory with the store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	activeByUser  map[string]string // userID -> active conversation ID
	messages      map[string][]chat.Message
	blocks        map[blockKey]chat.Block
	reports       []report.Report
	users         map[string]session.Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]chat.Conversation),
		activeByUser:  make(map[string]string),
		messages:      make(map[string][]chat.Message),
		blocks:        make(map[blockKey]chat.Block),
		users:         make(map[string]session.Session),
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (s *Store) InsertConversation(_ context.Context, c *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return apperr.Newf(apperr.CodeConflict, "conversation %s already exists", c.ID)
	}
	for _, u := range c.Participants() {
		if _, busy := s.activeByUser[u]; busy {
			return apperr.Newf(apperr.CodeAlreadyActive, "user %s already has an active conversation", u)
		}
	}

	s.conversations[c.ID] = cloneConversation(*c)
	if c.Status == chat.StatusActive {
		s.activeByUser[c.ParticipantA] = c.ID
		s.activeByUser[c.ParticipantB] = c.ID
	}
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "conversation %s not found", id)
	}
	out := cloneConversation(c)
	return &out, nil
}

func (s *Store) EndConversation(_ context.Context, id string, endedAt time.Time) (*chat.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, false, apperr.Newf(apperr.CodeNotFound, "conversation %s not found", id)
	}
	if c.Status == chat.StatusEnded {
		out := cloneConversation(c)
		return &out, false, nil
	}

	c.Status = chat.StatusEnded
	c.EndedAt = &endedAt
	s.conversations[id] = c
	for _, u := range c.Participants() {
		if s.activeByUser[u] == id {
			delete(s.activeByUser, u)
		}
	}
	out := cloneConversation(c)
	return &out, true, nil
}

func (s *Store) ActiveConversation(_ context.Context, userID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByUser[userID]
	if !ok {
		return nil, nil
	}
	out := cloneConversation(s.conversations[id])
	return &out, nil
}

func (s *Store) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.activeByUser))
	for _, id := range s.activeByUser {
		seen[id] = true
	}
	return len(seen), nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Store) InsertMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "conversation %s not found", m.ConversationID)
	}
	if !conv.Active() {
		return apperr.New(apperr.CodeAccessDenied, "conversation has ended")
	}

	// Keep the slice in seq order; concurrent appends may land out of order.
	msgs := s.messages[m.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= m.Seq })
	if i < len(msgs) && msgs[i].Seq == m.Seq {
		return apperr.Newf(apperr.CodeConflict, "message seq %d already used", m.Seq)
	}
	msgs = append(msgs, chat.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = *m
	s.messages[m.ConversationID] = msgs
	return nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	// Messages are appended in seq order.
	start := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > afterSeq })
	end := len(msgs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]chat.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

func (s *Store) LastMessage(_ context.Context, conversationID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func (s *Store) InsertBlock(_ context.Context, b chat.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey{b.BlockerID, b.BlockedID}
	if _, ok := s.blocks[key]; !ok {
		s.blocks[key] = b
	}
	return nil
}

func (s *Store) IsBlocked(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ab := s.blocks[blockKey{a, b}]
	_, ba := s.blocks[blockKey{b, a}]
	return ab || ba, nil
}

func (s *Store) BlockedWith(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for k := range s.blocks {
		var other string
		switch userID {
		case k.blocker:
			other = k.blocked
		case k.blocked:
			other = k.blocker
		default:
			continue
		}
		if !seen[other] {
			seen[other] = true
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Store) InsertReport(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, *r)
	s.mu.Unlock()
	return nil
}

func (s *Store) CountReports(_ context.Context, reportedID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.reports {
		if r.ReportedID == reportedID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Reports returns a copy of all stored reports, oldest first.
func (s *Store) Reports() []report.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]report.Report(nil), s.reports...)
}

// ---------------------------------------------------------------------------
// User sessions
// ---------------------------------------------------------------------------

func (s *Store) Get(_ context.Context, userID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "user %s not found", userID)
	}
	out := cloneSession(u)
	return &out, nil
}

func (s *Store) Save(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	s.users[sess.ID] = cloneSession(*sess)
	s.mu.Unlock()
	return nil
}

func (s *Store) SetOnline(_ context.Context, userID string, online bool) error {
	return s.updateUser(userID, func(u *session.Session) {
		u.Online = online
		if !online {
			u.Searching = false
		}
	})
}

func (s *Store) SetSearching(_ context.Context, userID string, searching bool) error {
	return s.updateUser(userID, func(u *session.Session) { u.Searching = searching })
}

func (s *Store) updateUser(userID string, fn func(*session.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "user %s not found", userID)
	}
	fn(&u)
	u.UpdatedAt = time.Now()
	s.users[userID] = u
	return nil
}

func cloneConversation(c chat.Conversation) chat.Conversation {
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return c
}

func cloneSession(u session.Session) session.Session {
	u.Interests = append([]string(nil), u.Interests...)
	return u
}
