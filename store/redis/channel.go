package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/gpuq"
)

// WithDedupeWindow sets how long a dispatch dedupe key suppresses
// repeat sends. Defaults to the core default.
func WithDedupeWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupeWindow = d }
}

// Send publishes a work message to the stream. When dedupeKey is
// non-empty, a SET NX marker with a TTL suppresses repeat sends of the
// same logical dispatch; redelivery past the window is possible and the
// consumer handles it via callback idempotency keys.
func (s *Store) Send(ctx context.Context, msg *gpuq.Message, dedupeKey string) error {
	if dedupeKey != "" {
		window := s.dedupeWindow
		if window <= 0 {
			window = darkroom.DefaultConfig().DedupeWindow
		}
		ok, err := s.client.SetNX(ctx, dedupeMarkerKey(dedupeKey), msg.JobID, window).Result()
		if err != nil {
			return fmt.Errorf("darkroom/redis: dedupe check: %w", err)
		}
		if !ok {
			s.logger.Debug("duplicate dispatch suppressed",
				slog.String("job_id", msg.JobID),
				slog.String("dedupe_key", dedupeKey))
			return nil
		}
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("darkroom/redis: encode message: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: workStreamKey,
		Values: map[string]interface{}{
			"codec":   s.codec.Name(),
			"payload": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("darkroom/redis: send message: %w", err)
	}

	s.logger.Info("work message dispatched",
		slog.String("job_id", msg.JobID),
		slog.Int("items", len(msg.Items)))
	return nil
}

// Delivery is one consumed work message plus the stream ID needed to
// acknowledge it.
type Delivery struct {
	StreamID string
	Message  *gpuq.Message
}

// ReadWork claims up to count pending work messages for a consumer
// group, creating the group at the stream head on first use. Claimed
// deliveries must be acknowledged with AckWork once processed.
func (s *Store) ReadWork(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]*Delivery, error) {
	err := s.client.XGroupCreateMkStream(ctx, workStreamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("darkroom/redis: create consumer group: %w", err)
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{workStreamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("darkroom/redis: read work: %w", err)
	}

	var deliveries []*Delivery
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			payload, ok := xmsg.Values["payload"].(string)
			if !ok {
				s.logger.Warn("work entry without payload, skipped",
					slog.String("stream_id", xmsg.ID))
				continue
			}
			codecName, _ := xmsg.Values["codec"].(string)
			msg, decErr := gpuq.GetCodec(codecName).Decode([]byte(payload))
			if decErr != nil {
				return nil, fmt.Errorf("darkroom/redis: decode work %s: %w", xmsg.ID, decErr)
			}
			deliveries = append(deliveries, &Delivery{StreamID: xmsg.ID, Message: msg})
		}
	}
	return deliveries, nil
}

// AckWork acknowledges a processed delivery for a consumer group.
func (s *Store) AckWork(ctx context.Context, group, streamID string) error {
	if err := s.client.XAck(ctx, workStreamKey, group, streamID).Err(); err != nil {
		return fmt.Errorf("darkroom/redis: ack work: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
