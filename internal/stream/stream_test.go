package stream

import (
	"context"
	"testing"
	"time"

	"ssocore.org/internal/audit"
)

func TestPublishRespectsFilter(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, Filter{})
	logins := s.Subscribe(ctx, Filter{ActionPrefix: "auth.login."})

	s.Publish(audit.Entry{Action: "service.registered"})
	s.Publish(audit.Entry{Action: "auth.login.failed", Actor: "system"})

	if got := (<-all).Action; got != "service.registered" {
		t.Fatalf("unexpected first entry %q", got)
	}
	if got := (<-all).Action; got != "auth.login.failed" {
		t.Fatalf("unexpected second entry %q", got)
	}
	select {
	case e := <-logins:
		if e.Action != "auth.login.failed" {
			t.Fatalf("filtered subscriber got %q", e.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	select {
	case e := <-logins:
		t.Fatalf("unexpected extra entry %q", e.Action)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = s.Write(context.Background(), audit.Entry{Action: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if s.Dropped() != 10 {
		t.Fatalf("expected 10 drops, got %d", s.Dropped())
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, Filter{})
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
