package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName holds every mailbox event.
	StreamName = "MAILBOX_EVENTS"
	// SubjectPattern matches mailbox.<account id>.<event type>.
	SubjectPattern = "mailbox.*.>"
)

// Publisher wraps NATS JetStream for publishing mailbox events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to url and opens a JetStream context.
func NewPublisher(url string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("mailhook")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MAILBOX_EVENTS stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPattern},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes with msgID as the JetStream dedup id.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
