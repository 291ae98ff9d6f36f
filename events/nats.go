package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher sends JSON-encoded post events over NATS.
type Publisher struct {
	conn *nats.Conn
}

func Connect(url string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("anonboard")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.conn.Publish(subject, data)
}

// Subscribe delivers raw payloads for subject, which may use wildcards.
func (p *Publisher) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return p.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// AuditLog logs every post event at debug level until the subscription is
// drained.
func (p *Publisher) AuditLog(logger *slog.Logger) (*nats.Subscription, error) {
	return p.Subscribe("post.>", func(subject string, data []byte) {
		logger.Debug("post event", slog.String("subject", subject), slog.String("payload", string(data)))
	})
}

func (p *Publisher) Close() error {
	return p.conn.Drain()
}
