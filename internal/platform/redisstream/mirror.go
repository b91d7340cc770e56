// Package redisstream mirrors fan-out events into a Redis stream so that
// downstream consumers (paging, analytics) can read them with consumer groups
// and replay what they missed.
package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/platform/websocket"
)

const (
	DefaultStream    = "carewatch:events"
	DefaultMaxLen    = 10000
	DefaultQueueSize = 1024

	drainTimeout = 2 * time.Second
)

// Config configures the Redis connection and the target stream.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	MaxLen    int64
	QueueSize int
}

// streamWriter is the subset of *redis.Client the mirror uses.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Connect opens a client and verifies the server is reachable.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Mirror implements websocket.EventPublisher. Publish only enqueues; Run
// performs the XADDs so a slow Redis never stalls a patient actor. When the
// queue is full the event is dropped from the mirror (the live fan-out is
// unaffected).
type Mirror struct {
	client streamWriter
	stream string
	maxLen int64
	queue  chan websocket.Event
	logger zerolog.Logger
}

var _ websocket.EventPublisher = (*Mirror)(nil)

func NewMirror(client streamWriter, cfg Config, logger zerolog.Logger) *Mirror {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Mirror{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		queue:  make(chan websocket.Event, cfg.QueueSize),
		logger: logger.With().Str("component", "redis_mirror").Str("stream", cfg.Stream).Logger().
			Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second}),
	}
}

// Publish enqueues event for mirroring. It never blocks and never fails.
func (m *Mirror) Publish(ctx context.Context, event websocket.Event) error {
	select {
	case m.queue <- event:
	default:
		m.logger.Warn().
			Str("event_type", event.Type).
			Str("event_id", event.ID.String()).
			Msg("mirror queue full, event not mirrored")
	}
	return nil
}

// Run writes queued events until ctx is cancelled, then flushes what is
// left with a short timeout.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-m.queue:
			m.write(ctx, ev)
		case <-ctx.Done():
			m.drain()
			return nil
		}
	}
}

func (m *Mirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-m.queue:
			m.write(ctx, ev)
		default:
			return
		}
	}
}

func (m *Mirror) write(ctx context.Context, ev websocket.Event) {
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: Values(ev),
	}).Err()
	if err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Str("event_id", ev.ID.String()).Msg("XADD failed")
	}
}

// Values renders an event as stream entry fields.
func Values(ev websocket.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":         ev.ID.String(),
		"type":       ev.Type,
		"patient_id": ev.PatientID.String(),
		"ward":       ev.Ward,
		"prev_ward":  ev.PreviousWard,
		"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":       string(ev.Data),
	}
}
