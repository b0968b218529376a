package webhook

import (
	"context"
	"encoding/base64"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/Martian-dev/mailhook/internal/logging"
)

// Subscriber drives the pipeline from a Pub/Sub pull subscription.
type Subscriber struct {
	sub      *pubsub.Subscription
	pipeline *Pipeline
	logger   logging.Logger
}

// NewSubscriber binds subscriptionID on client to pipeline.
func NewSubscriber(client *pubsub.Client, subscriptionID string, pipeline *Pipeline, logger logging.Logger) *Subscriber {
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = 100
	return &Subscriber{sub: sub, pipeline: pipeline, logger: logging.OrGlobal(logger)}
}

// Run receives until ctx is done. Acknowledged states are acked, everything
// else is nacked for redelivery.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("started Pub/Sub subscription", logging.String("subscription", s.sub.ID()))

	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		res := s.pipeline.Handle(ctx, DeliveryFromMessage(msg, s.sub.String()))
		if res.State.Acknowledge() {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// DeliveryFromMessage converts a pulled message into a Delivery.
func DeliveryFromMessage(msg *pubsub.Message, subscription string) Delivery {
	d := Delivery{
		MessageID:    msg.ID,
		Attributes:   msg.Attributes,
		Subscription: subscription,
	}
	if len(msg.Data) > 0 {
		d.Data = base64.StdEncoding.EncodeToString(msg.Data)
	}
	return d
}
