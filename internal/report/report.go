// Package report records user reports and runs the follow-up checks they
// trigger: report-count bans and, for suspected minors, the classifier.
package report

import (
	"context"
	"time"
)

// Reason is why a user was reported.
type Reason string

const (
	ReasonHarassment   Reason = "harassment"
	ReasonSpam         Reason = "spam"
	ReasonExplicit     Reason = "explicit"
	ReasonUnderageUser Reason = "underage_user"
	ReasonOther        Reason = "other"
)

var validReasons = map[Reason]bool{
	ReasonHarassment:   true,
	ReasonSpam:         true,
	ReasonExplicit:     true,
	ReasonUnderageUser: true,
	ReasonOther:        true,
}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool { return validReasons[r] }

// Report is one durable report record.
type Report struct {
	ID             string    `json:"id"`
	ReporterID     string    `json:"reporter_id"`
	ReportedID     string    `json:"reported_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         Reason    `json:"reason"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink stores reports.
type Sink interface {
	InsertReport(ctx context.Context, r *Report) error
	CountReports(ctx context.Context, reportedID string, since time.Time) (int, error)
}
