// Package deadletter consumes retry-exhausted requests off an external
// queue and marks their jobs FAILED. It reads a Redis Stream through a
// consumer group (XREADGROUP/XACK) rather than pub/sub: a dead-letter
// queue needs redelivery after a crash.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/observability"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/statemachine"
)

const genericFailureMessage = "the job's request could not be completed and was moved to the dead-letter queue"

// message is the documented wire shape of a dead-letter entry:
// "{requestId}".
type message struct {
	RequestID uuid.UUID `json:"requestId"`
}

// Monitor consumes dead-letter entries and fails their jobs.
type Monitor struct {
	log    *logger.Logger
	cfg    config.Config
	client *redis.Client
	jobs   repos.JobRepo

	consumerName string
}

func NewMonitor(log *logger.Logger, cfg config.Config, client *redis.Client, jobs repos.JobRepo) *Monitor {
	return &Monitor{
		log:          log.With("component", "DeadLetterMonitor"),
		cfg:          cfg,
		client:       client,
		jobs:         jobs,
		consumerName: "harmony-workflow",
	}
}

// Start ensures the consumer group exists and runs the read loop until ctx
// is canceled.
func (m *Monitor) Start(ctx context.Context) error {
	err := m.client.XGroupCreateMkStream(ctx, m.cfg.DeadLetterStreamName, m.cfg.DeadLetterGroupName, "$").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return fmt.Errorf("create dead-letter consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    m.cfg.DeadLetterGroupName,
			Consumer: m.consumerName,
			Streams:  []string{m.cfg.DeadLetterStreamName, ">"},
			Count:    10,
			Block:    0,
		}).Result()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			m.log.Warn("dead-letter read failed", "error", err)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				m.handle(ctx, entry)
			}
		}
	}
}

// handle processes one stream entry, always ACKing it unless the failure
// looks transient.
func (m *Monitor) handle(ctx context.Context, entry redis.XMessage) {
	outcome := "processed"
	defer func() {
		observability.DeadLetterProcessed.WithLabelValues(outcome).Inc()
	}()

	transient, err := m.process(ctx, entry)
	if err != nil {
		if transient {
			outcome = "transient-error"
			m.log.Warn("dead-letter message left unacked after transient error", "id", entry.ID, "error", err)
			return
		}
		outcome = "malformed-or-not-found"
		m.log.Warn("dead-letter message processed with non-transient error", "id", entry.ID, "error", err)
	}

	if ackErr := m.client.XAck(ctx, m.cfg.DeadLetterStreamName, m.cfg.DeadLetterGroupName, entry.ID).Err(); ackErr != nil {
		m.log.Error("failed to ack dead-letter message", "id", entry.ID, "error", ackErr)
	}
}

// process decodes entry and fails the referenced job. Returns transient=true
// only for database errors; a malformed body or an unknown job is reported
// but still acked.
func (m *Monitor) process(ctx context.Context, entry redis.XMessage) (transient bool, err error) {
	raw, ok := entry.Values["body"]
	if !ok {
		return false, fmt.Errorf("dead-letter message %s has no body field", entry.ID)
	}
	rawStr, ok := raw.(string)
	if !ok {
		return false, fmt.Errorf("dead-letter message %s body is not a string", entry.ID)
	}

	var msg message
	if err := json.Unmarshal([]byte(rawStr), &msg); err != nil {
		return false, fmt.Errorf("decode dead-letter message %s: %w", entry.ID, err)
	}

	job, err := m.jobs.FindByID(ctx, nil, msg.RequestID, true)
	if err != nil {
		return true, fmt.Errorf("load job %s: %w", msg.RequestID, err)
	}
	if job == nil {
		return false, fmt.Errorf("job %s referenced by dead-letter message %s not found", msg.RequestID, entry.ID)
	}

	updated, err := statemachine.ApplyEvent(job, statemachine.EventFail, statemachine.Options{})
	if err != nil {
		// Job already terminal: treat as already handled, not an error worth
		// redelivering for.
		return false, nil
	}
	updated.Message = genericFailureMessage
	if err := m.jobs.Save(ctx, nil, updated); err != nil {
		return true, fmt.Errorf("save failed job %s: %w", msg.RequestID, err)
	}
	return false, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
