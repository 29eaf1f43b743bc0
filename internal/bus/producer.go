package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a single record published to or consumed from the bus.
type Message struct {
	Topic     string
	Key       string // partition key, usually the operation id
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ProducerStats counts delivery outcomes since the producer was created.
type ProducerStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Bytes     int64 `json:"bytes"`
}

// Producer publishes coordination events to Kafka/Redpanda. An interface so
// the coordinator can run against the in-memory stub when the bus is
// disabled or under test.
type Producer interface {
	// Publish sends a Message and waits for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value as JSON and publishes synchronously.
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
	// Produce sends fire-and-forget. Delivery errors are counted and logged.
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
	// Flush waits for all buffered records to be delivered. Returns 0 on success.
	Flush(timeout time.Duration) int
	// Stats reports delivery counters.
	Stats() ProducerStats
	// Close flushes pending records and shuts down the producer.
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID         string
	schemaVersion      string
	acks               string
	compression        string
	maxBufferedRecords int
	linger             time.Duration
	batchMaxBytes      int32
}

// WithInstanceID sets the coordinator instance id used as ClientID and
// stamped into record headers.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema version stamped into record headers.
func WithSchemaVersion(v string) ProducerOption {
	return func(c *producerConfig) { c.schemaVersion = v }
}

// WithAcks selects the acknowledgement level: "all", "1" or "0".
func WithAcks(acks string) ProducerOption {
	return func(c *producerConfig) { c.acks = acks }
}

// WithCompression selects the batch codec: "snappy", "lz4", "zstd" or "none".
func WithCompression(name string) ProducerOption {
	return func(c *producerConfig) { c.compression = name }
}

// WithMaxBufferedRecords caps how many records buffer before Publish blocks.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBufferedRecords = n }
}

// WithLinger sets how long records wait for batching before a send.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// WithBatchMaxBytes caps the batch size in bytes.
func WithBatchMaxBytes(n int32) ProducerOption {
	return func(c *producerConfig) { c.batchMaxBytes = n }
}

// KafkaProducer is the live producer backed by franz-go.
type KafkaProducer struct {
	client      *kgo.Client
	baseHeaders map[string]string

	published atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewProducer connects a franz-go producer to the given brokers.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:         "warchest-producer",
		schemaVersion:      "1.0.0",
		acks:               "all",
		compression:        "snappy",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
		batchMaxBytes:      1024 * 1024, // 1MB
	}
	for _, opt := range opts {
		opt(cfg)
	}

	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(compressionCodec(cfg.compression)),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
		kgo.ProducerBatchMaxBytes(cfg.batchMaxBytes),
	}
	switch cfg.acks {
	case "0":
		// Idempotent writes require acks=all; relaxed acks must disable them.
		kgoOpts = append(kgoOpts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case "1":
		kgoOpts = append(kgoOpts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		kgoOpts = append(kgoOpts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &KafkaProducer{
		client: client,
		baseHeaders: map[string]string{
			"producer":       cfg.instanceID,
			"schema_version": cfg.schemaVersion,
		},
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Str("acks", cfg.acks).
		Str("compression", cfg.compression).
		Msg("kafka producer created (franz-go)")

	return p, nil
}

// compressionCodec maps a config name to a franz-go codec. Unknown names
// fall back to snappy, matching the config default.
func compressionCodec(name string) kgo.CompressionCodec {
	switch name {
	case "lz4":
		return kgo.Lz4Compression()
	case "zstd":
		return kgo.ZstdCompression()
	case "gzip":
		return kgo.GzipCompression()
	case "none":
		return kgo.NoCompression()
	default:
		return kgo.SnappyCompression()
	}
}

// toRecord converts a Message to a kgo.Record, stamping envelope headers
// without overwriting caller-supplied ones.
func (p *KafkaProducer) toRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+3)
	seen := make(map[string]bool, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		seen[k] = true
	}
	for k, v := range p.baseHeaders {
		if !seen[k] {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	if !seen["event_id"] {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.New().String())})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

func (p *KafkaProducer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Publish sends a Message and waits for broker acknowledgement. Operation
// lifecycle events take this path so ordering survives a coordinator crash.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return fmt.Errorf("producer is closed")
	}

	record := p.toRecord(msg)
	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("failed to publish message")
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	p.published.Add(1)
	p.bytes.Add(int64(len(msg.Value)))

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("message published")

	return nil
}

// PublishJSON marshals value as JSON and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	return p.Publish(ctx, Message{
		Topic: topic,
		Key:   key,
		Value: data,
	})
}

// Produce sends fire-and-forget. This is the path for high-frequency
// telemetry like gas updates, where losing one tick is harmless.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte) error {
	if p.isClosed() {
		return fmt.Errorf("producer is closed")
	}

	size := int64(len(value))
	p.client.Produce(ctx, &kgo.Record{Topic: topic, Key: key, Value: value}, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("topic", topic).Msg("async produce failed")
			return
		}
		p.published.Add(1)
		p.bytes.Add(size)
	})

	return nil
}

// Flush waits for all buffered records to be delivered. Returns 0 on success, 1 on error.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("flush failed")
		return 1
	}
	return 0
}

// Stats reports delivery counters.
func (p *KafkaProducer) Stats() ProducerStats {
	return ProducerStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Bytes:     p.bytes.Load(),
	}
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.client.Close()
	log.Info().Msg("kafka producer closed")
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory. Used
// when the bus is disabled and in unit tests.
type StubProducer struct {
	Messages []StubMessage
	mu       sync.Mutex
	bytes    int64
}

// StubMessage is a message captured by StubProducer.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

// NewStubProducer creates a new in-memory stub producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{Messages: make([]StubMessage, 0, 1024)}
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.capture(StubMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value})
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Produce(ctx, topic, []byte(key), data)
}

func (p *StubProducer) Produce(_ context.Context, topic string, key []byte, value []byte) error {
	p.capture(StubMessage{Topic: topic, Key: string(key), Value: value})
	log.Debug().Str("topic", topic).Int("bytes", len(value)).Msg("stub: produce")
	return nil
}

func (p *StubProducer) capture(m StubMessage) {
	p.mu.Lock()
	p.Messages = append(p.Messages, m)
	p.bytes += int64(len(m.Value))
	p.mu.Unlock()
}

// ByTopic returns the captured messages published to a topic.
func (p *StubProducer) ByTopic(topic string) []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StubMessage
	for _, m := range p.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *StubProducer) Flush(_ time.Duration) int { return 0 }

// Stats reports every captured message as published.
func (p *StubProducer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStats{Published: int64(len(p.Messages)), Bytes: p.bytes}
}

func (p *StubProducer) Close() {
	log.Info().Msg("stub: producer closed")
}
