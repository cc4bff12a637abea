package moderation

import "context"

// ClassifyRequest is the input to a minor suspicion check, and the NATS
// request body sent to the moderator service.
// UserContext is the reported user's profile and the reporter's note rendered
// as text; the structured fields carry the same data.
type ClassifyRequest struct {
	UserID         string   `json:"user_id"`
	UserContext    string   `json:"user_context"`
	DisplayName    string   `json:"display_name,omitempty"`
	Interests      []string `json:"interests,omitempty"`
	ReportNote     string   `json:"report_note,omitempty"`
	RecentMessages []string `json:"recent_messages"`
}

// Suspicion is the classifier outcome.
type Suspicion struct {
	Suspected bool   `json:"suspected"`
	Reason    string `json:"reason,omitempty"`
}

// classifyReply is the NATS reply body. Error is set when the service could
// not classify the request.
type classifyReply struct {
	Suspicion
	Error string `json:"error,omitempty"`
}

// MinorClassifier decides whether a reported user is likely under age. It may
// be slow or unavailable; callers bound it with a context deadline and treat
// errors as "not suspected".
type MinorClassifier interface {
	ClassifyMinorSuspicion(ctx context.Context, req ClassifyRequest) (Suspicion, error)
}
