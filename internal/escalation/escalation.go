// Package escalation delivers human-attention signals for late commitments.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel escalations are published on.
const DefaultChannel = "bridge:escalations"

// Event describes one escalation.
type Event struct {
	CommitmentID string    `json:"commitment_id"`
	Body         string    `json:"body"`
	Reason       string    `json:"reason"`
	Deadline     string    `json:"deadline,omitempty"`
	CaptureID    string    `json:"capture_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier delivers escalation events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// publisher is the part of redis.UniversalClient used here.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes events as JSON.
type RedisNotifier struct {
	client  publisher
	channel string
}

// NewRedisNotifier creates a notifier on client. An empty channel uses
// DefaultChannel.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return newRedisNotifier(client, channel)
}

func newRedisNotifier(client publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Dial connects to the Redis server at addr.
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Notify publishes e. Having no subscribers is not an error.
func (n *RedisNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish escalation: %w", err)
	}
	return nil
}

// LogNotifier writes events to a logger at error level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "escalation")}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	n.logger.Error("ESCALATION", "commitment_id", e.CommitmentID, "reason", e.Reason, "deadline", e.Deadline, "capture_id", e.CaptureID)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
