package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/logging"
	"github.com/Martian-dev/mailhook/internal/store"
)

// EventMessageAdded is the outbox event type for a newly discovered message.
const EventMessageAdded = "message.added"

// Outbox is the durable queue between sync and the downstream publisher.
type Outbox interface {
	AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers an outbox message downstream. msgID is used for
// broker-side deduplication.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// MessageEvent is the payload published for every added message.
type MessageEvent struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"account_id"`
	OwnerID   string `json:"owner_user_id"`
	Email     string `json:"email"`
	MessageID string `json:"provider_message_id"`
}

// OutboxConsumer records each message id in the outbox.
type OutboxConsumer struct {
	outbox Outbox
	now    func() time.Time
}

// NewOutboxConsumer creates an OutboxConsumer.
func NewOutboxConsumer(outbox Outbox) *OutboxConsumer {
	return &OutboxConsumer{outbox: outbox, now: time.Now}
}

// Consume appends a message.added event. Re-appending the same message is a
// no-op thanks to the outbox's msg_id uniqueness.
func (c *OutboxConsumer) Consume(ctx context.Context, acct *account.Account, itemID string) error {
	event := MessageEvent{
		EventID:   uuid.NewString(),
		Type:      EventMessageAdded,
		TS:        c.now().Unix(),
		AccountID: acct.ID,
		OwnerID:   acct.OwnerUserID,
		Email:     acct.Email,
		MessageID: itemID,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("mailbox.%s.%s", acct.ID, EventMessageAdded)
	msgID := fmt.Sprintf("%s|%s|%s", EventMessageAdded, acct.ID, itemID)
	return c.outbox.AppendOutbox(ctx, subject, EventMessageAdded, payload, msgID)
}

// LogConsumer only logs message ids. Used when no broker is configured.
type LogConsumer struct {
	logger logging.Logger
}

// NewLogConsumer creates a LogConsumer. A nil logger uses the global one.
func NewLogConsumer(logger logging.Logger) *LogConsumer {
	return &LogConsumer{logger: logging.OrGlobal(logger)}
}

func (c *LogConsumer) Consume(ctx context.Context, acct *account.Account, itemID string) error {
	c.logger.WithContext(ctx).Info("message added",
		logging.String("account_id", acct.ID),
		logging.String("message_id", itemID))
	return nil
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	outbox       Outbox
	publisher    Publisher
	logger       logging.Logger
	batch        int
	idle         time.Duration
	retryBackoff time.Duration
}

// NewDispatcher creates a Dispatcher with the default batch size and delays.
func NewDispatcher(outbox Outbox, publisher Publisher, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:       outbox,
		publisher:    publisher,
		logger:       logging.OrGlobal(logger),
		batch:        100,
		idle:         500 * time.Millisecond,
		retryBackoff: 10 * time.Second,
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.logger.Error("dequeue outbox", err)
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages were
// dequeued. Publish failures are rescheduled, not returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("publish failed, rescheduling",
				logging.Any("outbox_id", msg.ID), logging.Err(err))
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff); err != nil {
				d.logger.Error("reschedule outbox message", err, logging.Any("outbox_id", msg.ID))
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("mark outbox message published", err, logging.Any("outbox_id", msg.ID))
		}
	}
	return len(messages), nil
}
