package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"watchtower/internal/config"
	"watchtower/internal/domain"
)

const eventStreamMaxAge = 24 * time.Hour

// NATSPublisher publishes lifecycle events into a JetStream work queue.
// Params: NATS connection and publish subject settings.
// Returns: Publisher implementation for nats mode.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher creates the JetStream producer for lifecycle events.
// Params: events queue config.
// Returns: initialized publisher or setup error.
func NewNATSPublisher(cfg config.NATSQueueConfig) (*NATSPublisher, error) {
	nc, js, err := openEventJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Publish emits one lifecycle event with a dedup message ID.
// Params: context and validated event.
// Returns: encode or publish error.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	body, err := domain.EncodeLifecycleEvent(event)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:%d", event.Kind, event.IncidentID))
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Close closes the publisher NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSConsumer consumes lifecycle events via a JetStream queue consumer.
// Params: NATS connection and queue subscription forwarding to one handler.
// Returns: consumer lifecycle handle.
type NATSConsumer struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSConsumer starts the queue consumer for lifecycle events.
// Params: events queue config, optional logger, and event handler.
// Returns: running consumer or setup error.
func NewNATSConsumer(cfg config.NATSQueueConfig, logger *slog.Logger, handler Handler) (*NATSConsumer, error) {
	nc, js, err := openEventJetStream(cfg)
	if err != nil {
		return nil, err
	}

	consumer := &NATSConsumer{nc: nc, logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		event, decodeErr := domain.DecodeLifecycleEvent(message.Data)
		if decodeErr != nil {
			if logger != nil {
				logger.Warn("event decode failed", "subject", message.Subject, "error", decodeErr.Error())
			}
			consumer.ackMessage(message, "decode")
			return
		}
		if handleErr := handler(context.Background(), event); handleErr != nil {
			if logger != nil {
				logger.Error("event handle failed",
					"type", string(event.Kind),
					"incident_id", event.IncidentID,
					"error", handleErr.Error())
			}
			consumer.nackMessage(message, nackDelay)
			return
		}
		consumer.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	consumer.sub = sub
	return consumer, nil
}

// ackMessage acknowledges a processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (c *NATSConsumer) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil && c.logger != nil {
		c.logger.Warn("event ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver a message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (c *NATSConsumer) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil && c.logger != nil {
		c.logger.Warn("event nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops the subscription and closes the connection.
// Params: none.
// Returns: close error from subscription drain.
func (c *NATSConsumer) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openEventJetStream opens connection/JetStream and ensures the event stream exists.
// Params: queue config with URL and stream/subject names.
// Returns: opened NATS connection, JetStream context, and setup error.
func openEventJetStream(cfg config.NATSQueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect event nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for events: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, eventStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}
