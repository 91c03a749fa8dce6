package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/opspulse/opspulse/internal/event"
)

// KafkaConfig locates the event topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether a Kafka source is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// KafkaSource consumes producer events from a Kafka topic and feeds them
// through the pipeline. Offsets commit through the consumer group, so a
// crash replays recent messages; the dedupe keys make that safe.
type KafkaSource struct {
	reader   *kafka.Reader
	pipeline *Pipeline
}

// NewKafkaSource builds a consumer over the configured topic.
func NewKafkaSource(cfg KafkaConfig, pipeline *Pipeline) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		pipeline: pipeline,
	}
}

// Run consumes until ctx is cancelled. Malformed payloads are logged and
// skipped; backpressure rejections leave the message uncommitted only via
// process restart, so they are logged loudly instead.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("undecodable event payload skipped")
			continue
		}
		if err := s.pipeline.Submit(ctx, ev); err != nil {
			var rej *event.RejectError
			if errors.As(err, &rej) && rej.Retriable() {
				log.Error().Err(err).Str("event_id", ev.ID).Msg("event dropped under backpressure")
			}
			// Non-retriable rejections are already counted by the
			// aggregator's rejection metric.
		}
	}
}
