package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types published on the import subject.
const (
	TypeImportCommitted = "import.committed"
	TypeStudentsPurged  = "students.purged"
)

// Event is the JSON envelope sent to subscribers.
type Event struct {
	Type     string                 `json:"type"`
	ImportID int64                  `json:"import_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// Publisher fans events out over NATS. A zero-value or nil Publisher drops events.
type Publisher struct {
	conn    natsConn
	closer  func()
	subject string
	logger  *zap.Logger
}

// Connect dials the NATS server. An empty URL returns a disabled publisher.
func Connect(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		return &Publisher{logger: logger}, nil
	}

	conn, err := nats.Connect(url,
		nats.Name("bbss"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return &Publisher{conn: conn, closer: conn.Close, subject: subject, logger: logger}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn natsConn, subject string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil && p.subject != ""
}

// Publish sends the event. Failures are returned but callers usually only log them.
func (p *Publisher) Publish(_ context.Context, event Event) error {
	if !p.Enabled() {
		return nil
	}
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}

	p.logger.Debug("event published", zap.String("type", event.Type), zap.String("subject", p.subject))
	return nil
}

// Close drops the NATS connection if one was opened.
func (p *Publisher) Close() {
	if p != nil && p.closer != nil {
		p.closer()
	}
}
