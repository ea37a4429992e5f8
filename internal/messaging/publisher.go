package messaging

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/engine"
)

// Sink is the publishing half of a NATS connection.
type Sink interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards engine updates to <prefix>.<session_id>. It implements
// engine.Notifier.
type Publisher struct {
	sink   Sink
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a Publisher. An empty prefix selects
// DefaultSubjectPrefix.
func NewPublisher(sink Sink, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{sink: sink, prefix: prefix, logger: logger}
}

// Subject returns the subject updates for sessionID are published on.
func (p *Publisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID
}

// Notify publishes u. Failures are logged and otherwise ignored.
func (p *Publisher) Notify(u engine.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		p.logger.Error("marshal update", zap.Error(err))
		return
	}
	if err := p.sink.Publish(p.Subject(u.SessionID), data); err != nil {
		p.logger.Warn("publish update failed",
			zap.String("session_id", u.SessionID),
			zap.String("kind", string(u.Kind)),
			zap.Error(err),
		)
	}
}
