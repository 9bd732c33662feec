package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"watchtower/internal/clock"
	"watchtower/internal/config"
)

const checkStreamMaxAge = 7 * 24 * time.Hour

// checkJob is the JetStream payload for one deferred escalation check.
// Params: incident identity and the wall-clock time the check becomes due.
// Returns: queue job body.
type checkJob struct {
	IncidentID int64     `json:"incident_id"`
	DueAt      time.Time `json:"due_at"`
}

// NATSScheduler defers escalation checks through JetStream redelivery.
// Jobs are published immediately; the consumer nacks them with a delay
// until due_at passes, so the delay survives process restarts.
type NATSScheduler struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	clk     clock.Clock
	logger  *slog.Logger
}

// NewNATSScheduler starts the JetStream producer and check consumer.
// Params: escalate queue config, check callback, clock, and optional logger.
// Returns: running scheduler or setup error.
func NewNATSScheduler(cfg config.NATSQueueConfig, check CheckFunc, clk clock.Clock, logger *slog.Logger) (*NATSScheduler, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect scheduler nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for scheduler: %w", err)
	}
	if err := ensureCheckStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	scheduler := &NATSScheduler{nc: nc, js: js, subject: cfg.Subject, clk: clk, logger: logger}
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
		if message == nil {
			return
		}
		var job checkJob
		if err := json.Unmarshal(message.Data, &job); err != nil {
			if logger != nil {
				logger.Warn("check job decode failed", "subject", message.Subject, "error", err.Error())
			}
			_ = message.Ack()
			return
		}
		if remaining := job.DueAt.Sub(clk.Now()); remaining > 0 {
			// Not due yet, park the job until its due time.
			_ = message.NakWithDelay(remaining)
			return
		}
		if err := check(context.Background(), job.IncidentID); err != nil {
			if logger != nil {
				logger.Error("escalation check failed", "incident_id", job.IncidentID, "error", err.Error())
			}
			if nackDelay > 0 {
				_ = message.NakWithDelay(nackDelay)
			} else {
				_ = message.Nak()
			}
			return
		}
		_ = message.Ack()
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe checks %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	scheduler.sub = sub
	return scheduler, nil
}

// ScheduleOnce publishes one check job due after the delay.
// Params: context, delay, and incident ID.
// Returns: encode or publish error.
func (s *NATSScheduler) ScheduleOnce(ctx context.Context, delay time.Duration, incidentID int64) error {
	job := checkJob{
		IncidentID: incidentID,
		DueAt:      s.clk.Now().Add(delay),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal check job: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("check:%d", incidentID))
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish check job: %w", err)
	}
	return nil
}

// Close drains the check subscription and closes the connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSScheduler) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

// ensureCheckStream ensures the deferred-check stream exists.
// Params: JetStream context, stream name, and subject.
// Returns: stream create/lookup error.
func ensureCheckStream(js nats.JetStreamContext, streamName, subject string) error {
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
		MaxAge:    checkStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
