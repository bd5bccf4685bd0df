package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// Sample is one set of telemetry values.
type Sample struct {
	Values map[string]interface{} `json:"values"`
	// Timestamp is in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Source delivers samples to fn until ctx is done.
type Source interface {
	Run(ctx context.Context, fn func(context.Context, Sample)) error
}

// Decode parses a published sample. A sample without values is rejected.
func Decode(payload []byte) (Sample, error) {
	var s Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	if len(s.Values) == 0 {
		return Sample{}, errors.New("sample has no values")
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return s, nil
}

// RedisSource reads samples published on a Redis channel.
type RedisSource struct {
	client  *backend.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSource creates a source subscribed to channel.
func NewRedisSource(client *backend.Client, channel string, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisSource{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "telemetry", "channel", channel),
	}
}

// Run subscribes and dispatches samples in publish order. Undecodable
// payloads are logged and skipped.
func (s *RedisSource) Run(ctx context.Context, fn func(context.Context, Sample)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("Telemetry subscription active")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			sample, err := Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("Dropping telemetry sample", "error", err)
				continue
			}
			fn(ctx, sample)
		}
	}
}

// Publish sends a sample on channel.
func Publish(ctx context.Context, client *backend.Client, channel string, sample Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}
