package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestAppendStampsEntry(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, WithClock(clock))

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithActor(ctx, "user-42")
	ctx = WithClient(ctx, Client{IP: "10.0.0.1", UserAgent: "curl/8"})

	err := log.Append(ctx, Entry{Action: "auth.login", Target: "alice@example.com", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" || !e.OccurredAt.Equal(fixedNow) {
		t.Fatalf("entry not stamped: %+v", e)
	}
	if e.Actor != "user-42" || e.RequestID != "req-123" || e.IP != "10.0.0.1" || e.UserAgent != "curl/8" {
		t.Fatalf("context not applied: %+v", e)
	}
	if e.Outcome != OutcomeSuccess || e.Severity != SeverityInfo {
		t.Fatalf("unexpected defaults: %+v", e)
	}
}

func TestAppendDefaultsToSystemActor(t *testing.T) {
	sink := NewMemorySink()
	if err := New(sink).Append(context.Background(), Entry{Action: "registry.liveness"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := sink.Entries()[0].Actor; got != SystemActor {
		t.Fatalf("expected system actor, got %q", got)
	}
}

func TestAppendRequiresAction(t *testing.T) {
	err := New(NewMemorySink()).Append(context.Background(), Entry{Action: "  "})
	if !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFailClosedSurfacesStoreUnavailable(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWith(errors.New("disk full"))
	restore := obs.SetOutput(&bytes.Buffer{})
	defer restore()

	err := New(sink).Append(context.Background(), Entry{Action: "auth.login"})
	if !errors.Is(err, sentinel.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable under default policy, got %v", err)
	}
}

func TestFailOpenLogsAndProceeds(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWith(errors.New("disk full"))
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	err := New(sink, WithPolicy(FailOpen)).Append(context.Background(), Entry{Action: "auth.login"})
	if err != nil {
		t.Fatalf("fail-open should not return error, got %v", err)
	}
	if !strings.Contains(buf.String(), "audit write failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != FailClosed {
		t.Fatalf("empty should default to fail-closed, got %v %v", p, err)
	}
	if p, err := ParsePolicy("FAIL-OPEN"); err != nil || p != FailOpen {
		t.Fatalf("unexpected %v %v", p, err)
	}
	if _, err := ParsePolicy("maybe"); !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLogSinkWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	log := New(NewLogSink(obs.Logger()), WithClock(clock))
	ctx := WithRequestID(context.Background(), "req-9")
	if err := log.Append(ctx, Entry{Action: "audit.test", Metadata: map[string]string{"foo": "bar"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "audit.test" || entry["request_id"] != "req-9" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

type fakeWriter struct {
	msgs []skafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByActor(t *testing.T) {
	w := &fakeWriter{}
	log := New(NewKafkaSinkWithWriter(w), WithClock(clock))
	ctx := WithActor(context.Background(), "user-1")
	if err := log.Append(ctx, Entry{Action: "token.reused", Severity: SeverityCritical}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "user-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded Entry
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Action != "token.reused" || decoded.Severity != SeverityCritical {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestMultiFailsIfAnySinkFails(t *testing.T) {
	ok := NewMemorySink()
	broken := &fakeWriter{err: errors.New("broker down")}
	restore := obs.SetOutput(&bytes.Buffer{})
	defer restore()

	log := New(Multi{ok, NewKafkaSinkWithWriter(broken)})
	err := log.Append(context.Background(), Entry{Action: "auth.login"})
	if !errors.Is(err, sentinel.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(ok.Entries()) != 1 {
		t.Fatalf("healthy sink should still receive the entry")
	}
}
