package matching

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/messaging"
)

// Notification is delivered to a user when they are paired or their wait
// expires. It is also the payload published on match.found.<user_id>.
type Notification struct {
	Timeout         bool     `json:"timeout,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	PartnerID       string   `json:"partner_id,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

// Notifier pushes match outcomes to users. Implementations must not block
// for long; failures are theirs to log.
type Notifier interface {
	MatchFound(ctx context.Context, userID string, n Notification)
}

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) MatchFound(ctx context.Context, userID string, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.MatchFound(ctx, userID, n)
		}
	}
}

// Publisher is the publish half of a message bus connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications on match.found.<user_id> so that
// processes other than the one holding the user's socket can react.
type NATSNotifier struct {
	bus    Publisher
	logger *zap.Logger
}

// NewNATSNotifier returns a notifier publishing on bus.
func NewNATSNotifier(bus Publisher, logger *zap.Logger) *NATSNotifier {
	return &NATSNotifier{bus: bus, logger: logger.Named("matcher")}
}

func (p *NATSNotifier) MatchFound(_ context.Context, userID string, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("marshal match notification", zap.Error(err))
		return
	}
	if err := p.bus.Publish(messaging.SubjectMatchFound+"."+userID, data); err != nil {
		p.logger.Warn("publish match.found failed", zap.String("user_id", userID), zap.Error(err))
	}
}
