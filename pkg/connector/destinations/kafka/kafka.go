// Package kafka publishes every record as one message on a topic per
// stream. Messages are keyed by the key properties so updates of one row
// land on one partition in order.
package kafka

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// StreamPlaceholder is replaced by the stream name in the topic template.
const StreamPlaceholder = "{stream}"

// Config holds the Kafka loader settings.
type Config struct {
	Brokers []string `json:"brokers"`
	// Topic is a template; {stream} expands to the stream name with dots
	// replaced by underscores
	Topic                 string `json:"topic"`
	ClientID              string `json:"client_id"`
	Acks                  string `json:"acks"`
	Compression           string `json:"compression"`
	MaxRetries            int    `json:"max_retries"`
	Idempotent            bool   `json:"idempotent"`
	SecurityProtocol      string `json:"security_protocol"`
	SASLMechanism         string `json:"sasl_mechanism"`
	SASLUsername          string `json:"sasl_username"`
	SASLPassword          string `json:"sasl_password"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify"`
}

// Loader produces records to Kafka.
type Loader struct {
	client   sarama.Client
	producer sarama.SyncProducer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func defaults() Config {
	return Config{Topic: StreamPlaceholder, ClientID: "nebula-singer", Acks: "all", MaxRetries: 3}
}

// New connects a synchronous producer to the brokers.
func New(ctx context.Context, opts target.LoaderOptions) (*Loader, error) {
	cfg := defaults()
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "destination.brokers is required")
	}
	saramaCfg, err := SaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer")
	}
	l := NewWithProducer(producer, cfg, opts)
	l.client = client
	return l, nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(producer sarama.SyncProducer, cfg Config, opts target.LoaderOptions) *Loader {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("loader", "kafka"))
	if opts.LoadMethod != "" && opts.LoadMethod != config.LoadMethodAppendOnly {
		log.Warn("kafka topics are append only, load method ignored", zap.String("load_method", string(opts.LoadMethod)))
	}
	if cfg.Topic == "" {
		cfg.Topic = StreamPlaceholder
	}
	return &Loader{producer: producer, cfg: cfg, logger: log, now: time.Now}
}

// SaramaConfig translates the settings to a producer configuration.
func SaramaConfig(cfg Config) (*sarama.Config, error) {
	c := sarama.NewConfig()
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}

	switch cfg.Acks {
	case "all", "-1", "":
		c.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		c.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		c.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported acks %q", cfg.Acks)
	}
	if cfg.MaxRetries > 0 {
		c.Producer.Retry.Max = cfg.MaxRetries
	}
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true

	switch strings.ToLower(cfg.Compression) {
	case "", "none":
		c.Producer.Compression = sarama.CompressionNone
	case "gzip":
		c.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		c.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		c.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		c.Producer.Compression = sarama.CompressionZSTD
		if !c.Version.IsAtLeast(sarama.V2_1_0_0) {
			c.Version = sarama.V2_1_0_0
		}
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported kafka compression %q", cfg.Compression)
	}

	if cfg.Idempotent {
		c.Producer.Idempotent = true
		c.Producer.RequiredAcks = sarama.WaitForAll
		c.Net.MaxOpenRequests = 1
		if !c.Version.IsAtLeast(sarama.V0_11_0_0) {
			c.Version = sarama.V0_11_0_0
		}
	}

	switch strings.ToUpper(cfg.SecurityProtocol) {
	case "", "PLAINTEXT", "SASL_PLAINTEXT":
	case "SSL", "SASL_SSL":
		c.Net.TLS.Enable = true
		c.Net.TLS.Config = &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify} //nolint:gosec
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported security protocol %q", cfg.SecurityProtocol)
	}

	if cfg.SASLMechanism != "" {
		if strings.ToUpper(cfg.SASLMechanism) != "PLAIN" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported sasl mechanism %q", cfg.SASLMechanism).
				WithDetail("allowed", []string{"PLAIN"})
		}
		c.Net.SASL.Enable = true
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = cfg.SASLUsername
		c.Net.SASL.Password = cfg.SASLPassword
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka configuration")
	}
	return c, nil
}

// Topic expands the topic template for stream.
func (l *Loader) Topic(stream string) string {
	return strings.ReplaceAll(l.cfg.Topic, StreamPlaceholder, strings.ReplaceAll(stream, ".", "_"))
}

// Load produces one message per record and waits for the acknowledgements.
func (l *Loader) Load(ctx context.Context, b *target.Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := l.Topic(b.Stream)
	msgs := make([]*sarama.ProducerMessage, 0, len(b.Records))
	for _, r := range b.Records {
		msg, err := l.message(topic, b, r)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := l.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to produce %d of %d messages to %s", len(perrs), len(msgs), topic)
		}
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to produce to %s", topic)
	}
	l.logger.Debug("messages produced", zap.String("topic", topic), zap.Int("messages", len(msgs)))
	return nil
}

func (l *Loader) message(topic string, b *target.Batch, r map[string]interface{}) (*sarama.ProducerMessage, error) {
	value, err := jsonpool.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record")
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Timestamp: l.now(),
		Headers: []sarama.RecordHeader{
			{Key: []byte("stream"), Value: []byte(b.Stream)},
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}
	if len(b.KeyProperties) > 0 {
		key, err := Key(r, b.KeyProperties)
		if err != nil {
			return nil, err
		}
		msg.Key = sarama.ByteEncoder(key)
	}
	return msg, nil
}

// Key encodes the key property values as a JSON array.
func Key(r map[string]interface{}, keys []string) ([]byte, error) {
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			return nil, errors.Newf(errors.ErrorTypeMissingKeyProperties, "record has no value for key property %s", k)
		}
		values[i] = v
	}
	data, err := jsonpool.Marshal(values)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record key")
	}
	return data, nil
}

// ActivateVersion publishes a control message; consumers drop older
// versions themselves since a topic cannot be rewritten.
func (l *Loader) ActivateVersion(ctx context.Context, stream string, version int64) error {
	value, err := jsonpool.Marshal(map[string]interface{}{
		"type":    "ACTIVATE_VERSION",
		"stream":  stream,
		"version": version,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode version message")
	}
	topic := l.Topic(stream)
	_, _, err = l.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Timestamp: l.now(),
		Headers: []sarama.RecordHeader{
			{Key: []byte("stream"), Value: []byte(stream)},
			{Key: []byte("singer-type"), Value: []byte("ACTIVATE_VERSION")},
		},
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to produce version message to %s", topic)
	}
	return nil
}

// Close closes the producer and the client it was created from.
func (l *Loader) Close(context.Context) error {
	if err := l.producer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close kafka producer")
	}
	if l.client != nil && !l.client.Closed() {
		if err := l.client.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close kafka client")
		}
	}
	return nil
}
