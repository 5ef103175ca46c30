package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"fertyflow.org/internal/obs"
)

// ErrQueueFull is returned when the publisher backlog is saturated. The event
// is dropped; the audit log line has already been written.
var ErrQueueFull = errors.New("audit: publish queue full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("audit: publisher closed")

// Publisher ships events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards events to a Kafka topic keyed by user id. Publish
// never blocks the request path: events queue on a bounded channel drained by
// a single worker.
type KafkaPublisher struct {
	w            messageWriter
	queue        chan Event
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher connects lazily to brokers; no I/O happens until the
// first event.
func NewKafkaPublisher(brokers []string, topic string, queueSize int) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("audit: kafka brokers required")
	}
	if topic == "" {
		return nil, errors.New("audit: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, queueSize), nil
}

func newKafkaPublisher(w messageWriter, queueSize int) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &KafkaPublisher{
		w:            w,
		queue:        make(chan Event, queueSize),
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events, drains the backlog and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.w.Close()
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		msg, err := toMessage(ev)
		if err != nil {
			obs.Logger().Error("audit event encode failed", "event", ev.Name, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		err = p.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			obs.Logger().Warn("audit event publish failed", "event", ev.Name, "event_id", ev.ID, "error", err)
		}
	}
}

func toMessage(ev Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}
	key := ev.UserID
	if key == "" {
		key = ev.ID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Name)},
		},
	}, nil
}

// Recorder writes every event to the audit log and, when configured,
// forwards it to a Publisher.
type Recorder struct {
	pub Publisher
}

// NewRecorder accepts a nil publisher for log-only operation.
func NewRecorder(pub Publisher) *Recorder {
	return &Recorder{pub: pub}
}

// Record never fails the caller; publish problems are logged.
func (r *Recorder) Record(ctx context.Context, event string, fields map[string]any) {
	ev, err := NewEvent(ctx, event, fields)
	if err != nil {
		obs.Logger().Error("audit event rejected", "error", err)
		return
	}
	writeLine(ev)
	if r == nil || r.pub == nil {
		return
	}
	if err := r.pub.Publish(ctx, ev); err != nil {
		obs.Logger().Warn("audit event not published", "event", ev.Name, "error", err)
	}
}

// Close closes the underlying publisher, if any.
func (r *Recorder) Close() error {
	if r == nil || r.pub == nil {
		return nil
	}
	return r.pub.Close()
}
