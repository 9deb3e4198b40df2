package audit

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// Versioned lock-lifecycle event types.
const (
	EventAcquired    = "locks.acquired.v1"
	EventRenewed     = "locks.renewed.v1"
	EventReleased    = "locks.released.v1"
	EventLost        = "locks.lost.v1"
	EventChildExited = "locks.child_exited.v1"
)

const envKafkaTLS = "REDLOCK_AUDIT_KAFKA_TLS"

const defaultTopic = "redlock.audit"

// Event is one lock-lifecycle record. Tokens appear only as digests: the raw
// fencing token is a release capability and must never reach the stream.
type Event struct {
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	Resource    string    `json:"resource"`
	TokenDigest string    `json:"token_digest"`
	ValidityMS  int64     `json:"validity_ms,omitempty"`
	Quorum      int       `json:"quorum,omitempty"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Recorder publishes lock-lifecycle events. Implementations are safe for
// concurrent use. Recording is advisory: callers log failures and move on.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Config configures event recorders.
type Config struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewRecorder creates an event recorder for the configured driver.
func NewRecorder(cfg Config) (Recorder, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaRecorder(cfg)
	case DriverStdio:
		return newStdioRecorder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}
}

// NopRecorder drops every event. Used when auditing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }

func (NopRecorder) Close() error { return nil }

// Digest returns a short stable fingerprint of a fencing token. Holding the
// raw token is the capability to release the lock, so only the digest is ever
// recorded.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverStdio
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaRecorder struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaRecorder(cfg Config) (Recorder, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka recorder requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = defaultTopic
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}

	return &kafkaRecorder{writer: writer, topic: topic}, nil
}

func (r *kafkaRecorder) Record(ctx context.Context, ev Event) error {
	payload, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	// Keyed by resource so one lock's history stays ordered per partition.
	return r.writer.WriteMessages(ctx, kafka.Message{
		Topic: r.topic,
		Key:   []byte(ev.Resource),
		Value: payload,
	})
}

func (r *kafkaRecorder) Close() error {
	return r.writer.Close()
}

type stdioRecorder struct {
	w io.Writer
	m sync.Mutex
}

func newStdioRecorder(cfg Config) Recorder {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	return &stdioRecorder{w: w}
}

func (r *stdioRecorder) Record(_ context.Context, ev Event) error {
	payload, err := marshalEvent(ev)
	if err != nil {
		return err
	}

	r.m.Lock()
	defer r.m.Unlock()

	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	if _, err := r.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (r *stdioRecorder) Close() error { return nil }

func marshalEvent(ev Event) ([]byte, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return nil, errors.New("event type is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return json.Marshal(ev)
}
