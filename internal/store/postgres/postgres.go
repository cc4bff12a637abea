// Package postgres is the durable persistence collaborator: conversations,
// messages, blocks and reports in PostgreSQL via database/sql and lib/pq.
// The active_participants table holds one row per user in an active
// conversation, so its primary key enforces one active conversation per user
// across every instance sharing the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/report"
)

var (
	_ chat.Persistence = (*Store)(nil)
	_ chat.Blocks      = (*Store)(nil)
	_ report.Sink      = (*Store)(nil)
)

// Postgres error codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}
	return db, nil
}

// Store implements the chat and report persistence interfaces.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

const conversationColumns = `id, participant_a, participant_b, status, created_at, ended_at`

func (s *Store) InsertConversation(ctx context.Context, c *chat.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, status, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ParticipantA, c.ParticipantB, string(c.Status), c.CreatedAt, nullTime(c.EndedAt))
	if err != nil {
		if isCode(err, uniqueViolation) {
			return apperr.Newf(apperr.CodeConflict, "conversation %s already exists", c.ID)
		}
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}

	if c.Status == chat.StatusActive {
		for _, u := range c.Participants() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO active_participants (user_id, conversation_id) VALUES ($1, $2)`, u, c.ID)
			if err != nil {
				if isCode(err, uniqueViolation) {
					return apperr.Newf(apperr.CodeAlreadyActive, "user %s already has an active conversation", u)
				}
				return fmt.Errorf("postgres: insert participant: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) EndConversation(ctx context.Context, id string, endedAt time.Time) (*chat.Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE conversations SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+conversationColumns, id, endedAt)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown, or ended by someone else first.
		tx.Rollback()
		existing, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: end conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_participants WHERE conversation_id = $1`, id); err != nil {
		return nil, false, fmt.Errorf("postgres: release participants: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("postgres: commit end: %w", err)
	}
	return c, true, nil
}

func (s *Store) ActiveConversation(ctx context.Context, userID string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.participant_a, c.participant_b, c.status, c.created_at, c.ended_at
		FROM active_participants ap
		JOIN conversations c ON c.id = ap.conversation_id
		WHERE ap.user_id = $1`, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: active conversation: %w", err)
	}
	return c, nil
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, conversation_id, sender_id, content, flagged, seq, created_at`

// InsertMessage stores m only while its conversation is active. FOR SHARE
// waits out a concurrent end and re-checks the status it committed.
func (s *Store) InsertMessage(ctx context.Context, m *chat.Message) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		SELECT $1::text, c.id, $3::text, $4::text, $5::boolean, $6::bigint, $7::timestamptz
		FROM conversations c
		WHERE c.id = $2 AND c.status = 'active'
		FOR SHARE`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Flagged, m.Seq, m.CreatedAt)
	switch {
	case err == nil:
	case isCode(err, uniqueViolation):
		return apperr.Newf(apperr.CodeConflict, "message seq %d already used", m.Seq)
	case isCode(err, foreignKeyViolation):
		return apperr.Newf(apperr.CodeNotFound, "conversation %s not found", m.ConversationID)
	default:
		return fmt.Errorf("postgres: insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	if n == 1 {
		return nil
	}
	// Nothing inserted: the conversation is unknown or no longer active.
	if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
		return err
	}
	return apperr.New(apperr.CodeAccessDenied, "conversation has ended")
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	// A NULL limit is no limit.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, conversationID, afterSeq, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return out, nil
}

func (s *Store) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: last message: %w", err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func (s *Store) InsertBlock(ctx context.Context, b chat.Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (blocker_id, blocked_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING`,
		b.BlockerID, b.BlockedID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert block: %w", err)
	}
	return nil
}

func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)`, a, b).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("postgres: is blocked: %w", err)
	}
	return blocked, nil
}

func (s *Store) BlockedWith(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_id FROM blocks WHERE blocker_id = $1
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = $1
		ORDER BY 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: blocked with: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan block: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Store) InsertReport(ctx context.Context, r *report.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_id, reported_id, conversation_id, reason, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ReporterID, r.ReportedID, r.ConversationID, string(r.Reason), r.Description, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert report: %w", err)
	}
	return nil
}

// CountReports returns the number of reports filed against reportedID since
// the given time.
func (s *Store) CountReports(ctx context.Context, reportedID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE reported_id = $1 AND created_at >= $2`, reportedID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count reports: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*chat.Conversation, error) {
	var (
		c       chat.Conversation
		status  string
		endedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &status, &c.CreatedAt, &endedAt); err != nil {
		return nil, err
	}
	c.Status = chat.Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		c.EndedAt = &t
	}
	return &c, nil
}

func scanMessage(row scanner) (*chat.Message, error) {
	var m chat.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Flagged, &m.Seq, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
