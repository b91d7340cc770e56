package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

// KafkaConfig configures the bus feed.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the subset of *kafka.Reader used by KafkaSource.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	kafkaMaxAttempts = 3
	kafkaRetryDelay  = 500 * time.Millisecond
)

// KafkaSource consumes readings from a topic partitioned by patient id. An
// offset is committed once its reading was stored or rejected; storage
// failures are retried a few times before the message is skipped.
type KafkaSource struct {
	reader messageReader
	ingest vitals.IngestFunc
	logger zerolog.Logger
	delay  time.Duration
}

func NewKafkaSource(cfg KafkaConfig, ingest vitals.IngestFunc, logger zerolog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newKafkaSource(reader, ingest, logger.With().
		Str("component", "kafka").
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Logger())
}

func newKafkaSource(reader messageReader, ingest vitals.IngestFunc, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{reader: reader, ingest: ingest, logger: logger, delay: kafkaRetryDelay}
}

// Run consumes until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	s.logger.Info().Msg("bus feed started")

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("bus feed stopped")
				return nil
			}
			s.logger.Warn().Err(err).Msg("kafka read error")
			if !sleep(ctx, s.delay) {
				return nil
			}
			continue
		}

		s.handle(ctx, m)
		if ctx.Err() != nil {
			return nil
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, m kafka.Message) {
	for attempt := 1; ; attempt++ {
		err := deliver(ctx, s.ingest, s.logger, m.Value, string(m.Key))
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if attempt == kafkaMaxAttempts {
			s.logger.Error().Err(err).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("device reading not stored, skipping")
			return
		}
		if !sleep(ctx, s.delay*time.Duration(attempt)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
