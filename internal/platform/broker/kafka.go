// Package broker publishes keyed messages to Kafka.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrDisabled is returned by NewKafkaProducer when no brokers are configured.
var ErrDisabled = errors.New("broker: no brokers configured")

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures NewKafkaProducer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single publish. Zero means 5s.
	WriteTimeout time.Duration
}

// Producer writes one message per call. Messages with the same key land on
// the same partition, so per-key order is preserved.
type Producer struct {
	w       MessageWriter
	topic   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaProducer builds a Producer backed by a kafka-go Writer.
func NewKafkaProducer(cfg KafkaConfig, logger zerolog.Logger) (*Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, ErrDisabled
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("broker: topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewProducer(w, cfg.Topic, cfg.WriteTimeout, logger), nil
}

// NewProducer wraps an existing writer.
func NewProducer(w MessageWriter, topic string, timeout time.Duration, logger zerolog.Logger) *Producer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{
		w:       w,
		topic:   topic,
		timeout: timeout,
		logger:  logger.With().Str("component", "kafka").Str("topic", topic).Logger(),
	}
}

// Publish writes value under key with the given headers.
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	p.logger.Debug().Str("key", key).Int("bytes", len(value)).Msg("message published")
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}
