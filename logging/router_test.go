package logging_test

import (
	"context"
	"io"
	stdlog "log"
	"testing"
	"time"

	"outpost/netcode/logging"
	"outpost/netcode/logging/sinks"
)

func newTestRouter(t *testing.T, cfg logging.Config, sink logging.Sink) *logging.Router {
	t.Helper()
	router, err := logging.NewRouter(logging.SystemClock{}, cfg, stdlog.New(io.Discard, "", 0), []logging.NamedSink{{Name: "memory", Sink: sink}})
	if err != nil {
		t.Fatalf("expected router to construct, got error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = router.Close(ctx)
	})
	return router
}

func waitForEvents(t *testing.T, sink *sinks.Memory, want int) []logging.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := sink.Events()
		if len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := sink.Events()
	t.Fatalf("expected %d events, got %d", want, len(events))
	return events
}

func TestRouterDeliversToSink(t *testing.T) {
	sink := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	router := newTestRouter(t, cfg, sink)

	router.Publish(context.Background(), logging.Event{
		Type:     "session.connected",
		Tick:     7,
		Conn:     3,
		Severity: logging.SeverityInfo,
	})

	events := waitForEvents(t, sink, 1)
	if events[0].Type != "session.connected" {
		t.Fatalf("expected type session.connected, got %s", events[0].Type)
	}
	if events[0].Tick != 7 || events[0].Conn != 3 {
		t.Fatalf("expected tick=7 conn=3, got tick=%d conn=%d", events[0].Tick, events[0].Conn)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected router to stamp event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	sink := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router := newTestRouter(t, cfg, sink)

	router.Publish(context.Background(), logging.Event{Type: "a", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "b", Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "c", Severity: logging.SeverityError})

	events := waitForEvents(t, sink, 1)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event past the filter, got %d", len(events))
	}
	if events[0].Type != "c" {
		t.Fatalf("expected the error event, got %s", events[0].Type)
	}
}

func TestRouterAppliesConfiguredFields(t *testing.T) {
	sink := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"side": "server"}
	router := newTestRouter(t, cfg, sink)

	router.Publish(context.Background(), logging.Event{Type: "x", Severity: logging.SeverityInfo})

	events := waitForEvents(t, sink, 1)
	if got := events[0].Extra["side"]; got != "server" {
		t.Fatalf("expected extra side=server, got %v", got)
	}
}

func TestRouterIgnoresEmptyType(t *testing.T) {
	sink := sinks.NewMemory()
	router := newTestRouter(t, logging.DefaultConfig(), sink)

	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})
	router.Publish(context.Background(), logging.Event{Type: "ok", Severity: logging.SeverityError})

	events := waitForEvents(t, sink, 1)
	if len(events) != 1 || events[0].Type != "ok" {
		t.Fatalf("expected only the typed event, got %d events", len(events))
	}
}

func TestWithFieldsDoesNotOverrideExisting(t *testing.T) {
	var captured []logging.Event
	pub := logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		captured = append(captured, event)
	})
	wrapped := logging.WithFields(pub, map[string]any{"side": "client"})

	wrapped.Publish(context.Background(), logging.Event{Type: "y"}.WithExtra("side", "server"))

	if len(captured) != 1 {
		t.Fatalf("expected 1 event, got %d", len(captured))
	}
	if got := captured[0].Extra["side"]; got != "server" {
		t.Fatalf("expected existing extra to win, got %v", got)
	}
}
