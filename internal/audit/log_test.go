package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := obs.SetOutput(&buf)
	t.Cleanup(func() { obs.SetOutput(prev) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithClaims(ctx, &auth.Claims{UserID: "user-42", Roles: []string{"Nurse"}})

	if err := LogEvent(ctx, "auth.profile.updated", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "auth.profile.updated" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}

	if err := LogEvent(ctx, "  ", nil); err == nil {
		t.Fatalf("expected empty event name rejected")
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
	block  chan struct{}
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaPublisherDrainsOnClose(t *testing.T) {
	captureLog(t)
	w := &fakeWriter{}
	p := newKafkaPublisher(w, 8)
	rec := NewRecorder(p)

	ctx := WithRequestID(context.Background(), "req-1")
	rec.Record(ctx, "auth.login.succeeded", map[string]any{"user_id": "u-1"})
	rec.Record(ctx, "auth.logout", nil)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed || len(w.msgs) != 2 {
		t.Fatalf("expected 2 flushed messages and closed writer, got %d closed=%v", len(w.msgs), w.closed)
	}
	if string(w.msgs[0].Key) != "u-1" {
		t.Fatalf("expected message keyed by user id, got %q", w.msgs[0].Key)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != "auth.login.succeeded" || ev.RequestID != "req-1" || ev.ID == "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := p.Publish(ctx, ev); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestKafkaPublisherDropsWhenFull(t *testing.T) {
	captureLog(t)
	w := &fakeWriter{block: make(chan struct{})}
	p := newKafkaPublisher(w, 1)

	ev := Event{ID: "e", Name: "auth.logout"}
	var full bool
	for i := 0; i < 4; i++ {
		if err := p.Publish(context.Background(), ev); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with a blocked writer")
	}
	close(w.block)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t", 1); err == nil {
		t.Fatalf("expected brokers required")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, "", 1); err == nil {
		t.Fatalf("expected topic required")
	}
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "fertyflow.auth", 1)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
