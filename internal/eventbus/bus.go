// Package eventbus is a durable at-least-once message channel on Redis
// Streams. Publishers append; consumer groups read, handle and acknowledge
// per message. Messages left pending past the visibility timeout are
// reclaimed and retried; after maxDeliveries they move to the dead-letter
// stream.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// visibilityTimeout is how long a delivered message may stay
	// unacknowledged before another consumer reclaims it.
	visibilityTimeout = 30 * time.Second
	// maxDeliveries before a message is dead-lettered.
	maxDeliveries = 5
	// maxStreamLen caps stream growth (approximate trim).
	maxStreamLen = 100_000

	readBlock = 5 * time.Second
	readCount = 16
)

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, id string, data []byte) error

// Bus publishes to and consumes from the named streams.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// New returns a Bus sharing the given Redis connection.
func New(rdb *redis.Client, logger *slog.Logger, tp trace.TracerProvider) *Bus {
	return &Bus{
		rdb:    rdb,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/eventbus"),
	}
}

// Publish appends a JSON-encoded message to the stream. Durability is the
// broker's (fsync policy); the call returns once Redis accepted the entry.
func (b *Bus) Publish(ctx context.Context, stream string, v any) error {
	ctx, span := b.tracer.Start(ctx, "Bus.Publish",
		trace.WithAttributes(attribute.String("stream", stream)),
	)
	defer span.End()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending to stream %s: %w", stream, err)
	}
	return nil
}

// Consume joins the consumer group and processes messages until ctx is
// cancelled. It blocks; run it in its own goroutine. Handler errors are
// logged and the message is left pending for the reclaim pass.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, h Handler) error {
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.reclaim(ctx, stream, group, consumer, h)

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.ErrorContext(ctx, "stream read failed",
				slog.String("stream", stream),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				b.handle(ctx, stream, group, msg, h)
			}
		}
	}
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *Bus) handle(ctx context.Context, stream, group string, msg redis.XMessage, h Handler) {
	ctx, span := b.tracer.Start(ctx, "Bus.Handle",
		trace.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("message.id", msg.ID),
		),
	)
	defer span.End()

	data, ok := msg.Values["data"].(string)
	if !ok {
		// Malformed entry; ack so it cannot wedge the group.
		b.logger.ErrorContext(ctx, "stream entry without data field",
			slog.String("stream", stream),
			slog.String("id", msg.ID),
		)
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	if err := h(ctx, msg.ID, []byte(data)); err != nil {
		b.logger.ErrorContext(ctx, "handler failed, leaving message pending",
			slog.String("stream", stream),
			slog.String("id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	b.ack(ctx, stream, group, msg.ID)
}

func (b *Bus) ack(ctx context.Context, stream, group, id string) {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		b.logger.ErrorContext(ctx, "ack failed",
			slog.String("stream", stream),
			slog.String("id", id),
			slog.Any("error", err),
		)
	}
}

// reclaim retries messages pending past the visibility timeout and moves
// poison messages to the dead-letter stream.
func (b *Bus) reclaim(ctx context.Context, stream, group, consumer string, h Handler) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   visibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, p := range pending {
		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  visibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		msg := claimed[0]
		if p.RetryCount >= maxDeliveries {
			b.deadLetter(ctx, stream, group, msg)
			continue
		}
		b.handle(ctx, stream, group, msg, h)
	}
}

func (b *Bus) deadLetter(ctx context.Context, stream, group string, msg redis.XMessage) {
	data, _ := msg.Values["data"].(string)
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDeadLetters,
		Values: map[string]any{
			"origin": stream,
			"id":     msg.ID,
			"data":   data,
		},
	}).Err()
	if err != nil {
		b.logger.ErrorContext(ctx, "dead-lettering failed",
			slog.String("stream", stream),
			slog.String("id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	b.logger.WarnContext(ctx, "message dead-lettered",
		slog.String("stream", stream),
		slog.String("id", msg.ID),
	)
	b.ack(ctx, stream, group, msg.ID)
}

// Lag returns the number of pending (delivered, unacked) messages for a
// group, surfaced as a health metric.
func (b *Bus) Lag(ctx context.Context, stream, group string) (int64, error) {
	p, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("reading pending summary: %w", err)
	}
	return p.Count, nil
}
