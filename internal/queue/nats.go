// internal/queue/nats.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/nats-io/nats.go"
)

// Notifier publishes task and orchestrator status messages
type Notifier interface {
	PublishStatus(ctx context.Context, status *models.StatusMessage) error
	Close() error
}

// NATS publishes status messages on a single subject
type NATS struct {
	conn    *nats.Conn
	subject string
}

var _ Notifier = (*NATS)(nil)

func NewNATS(cfg config.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("kxcreation"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = config.DefaultNATSSubject
	}
	return &NATS{conn: conn, subject: subject}, nil
}

func (n *NATS) PublishStatus(ctx context.Context, status *models.StatusMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Kx-Status-Type", status.Type)
	msg.Data = data

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Noop discards every message. It is used when no NATS URL is configured.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) PublishStatus(context.Context, *models.StatusMessage) error { return nil }
func (Noop) Close() error { return nil }

// New returns a NATS notifier when cfg names a server, and Noop otherwise
func New(cfg config.NATSConfig) (Notifier, error) {
	if cfg.URL == "" {
		return Noop{}, nil
	}
	return NewNATS(cfg)
}
