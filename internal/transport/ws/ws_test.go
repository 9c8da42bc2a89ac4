package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

const (
	keyPing = "d2f61b3a-8c45-4e0b-97a1-3b5e8d20c6f7"
	keyBlip = "6a0e9c84-2f17-4d3b-85c6-e94b7a1d5f20"
)

type pingMsg struct {
	N int `codec:"n"`
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestServer(t *testing.T, cfg Config, mets *telemetry.Counters) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, 20.0, func() uint64 { return 7 }, nil, nil, mets)
	hts := httptest.NewServer(srv.Handler())
	t.Cleanup(hts.Close)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(hts.URL, "http")
}

func TestHandshakeDeliversWelcome(t *testing.T) {
	srv, url := newTestServer(t, Config{}, telemetry.NewCounters())

	client, err := Dial(context.Background(), url, "tester", Config{}, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)

	w := client.Welcome()
	if w.Protocol != ProtocolVersion {
		t.Fatalf("welcome protocol %d, want %d", w.Protocol, ProtocolVersion)
	}
	if w.Conn != 1 {
		t.Fatalf("first connection got id %d, want 1", w.Conn)
	}
	if w.TickRate != 20.0 || w.Tick != 7 {
		t.Fatalf("welcome clock anchor %v/%d, want 20/7", w.TickRate, w.Tick)
	}

	var joined []ConnEvent
	waitFor(t, func() bool {
		srv.DrainEvents(func(ev ConnEvent) { joined = append(joined, ev) })
		return len(joined) > 0
	}, "no join event")
	if !joined[0].Joined || joined[0].Conn != 1 || joined[0].Name != "tester" {
		t.Fatalf("unexpected join event %+v", joined[0])
	}
}

func TestFrameRoundTrip(t *testing.T) {
	srv, url := newTestServer(t, Config{}, telemetry.NewCounters())

	reg := wire.NewRegistry()
	ping := wire.RegisterMessage[pingMsg](reg, keyPing, wire.Reliable, 0)

	client, err := Dial(context.Background(), url, "tester", Config{}, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)

	up := wire.NewOutbox()
	if err := ping.Queue(up, client.ConnID(), pingMsg{N: 41}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	client.Flush(up)

	var got []Inbound
	waitFor(t, func() bool {
		got = append(got, srv.Drain()...)
		return len(got) > 0
	}, "server never received the frame")
	in := got[0]
	if in.Conn != client.ConnID() || in.Channel != wire.Reliable || in.Env.T != ping.ID() {
		t.Fatalf("unexpected inbound %+v", in)
	}
	v, err := ping.Decode(in.Env.P)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.N != 41 {
		t.Fatalf("payload %d, want 41", v.N)
	}

	down := wire.NewOutbox()
	if err := ping.Queue(down, in.Conn, pingMsg{N: 42}); err != nil {
		t.Fatalf("queue reply: %v", err)
	}
	srv.Flush(context.Background(), 8, down)

	var reply []Inbound
	waitFor(t, func() bool {
		reply = append(reply, client.Drain()...)
		return len(reply) > 0
	}, "client never received the reply")
	r, err := ping.Decode(reply[0].Env.P)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if r.N != 42 {
		t.Fatalf("reply payload %d, want 42", r.N)
	}
}

func TestRejectsProtocolMismatch(t *testing.T) {
	mets := telemetry.NewCounters()
	_, url := newTestServer(t, Config{}, mets)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	hello, err := wire.Marshal(Hello{Protocol: 99, Name: "ancient"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close a mismatched handshake")
	}
	waitFor(t, func() bool {
		return mets.Get("transport_rejected_handshakes") == 1
	}, "rejection not counted")
}

func TestReliableOverflowClosesSlowConsumer(t *testing.T) {
	mets := telemetry.NewCounters()
	srv := NewServer(Config{MaxPending: 1}, 20.0, nil, nil, nil, mets)

	// A session with no writer pump: the queue fills and stays full.
	s := &session{id: 9, name: "stuck", out: make(chan []byte, 1), done: make(chan struct{})}
	srv.sessions[9] = s

	reg := wire.NewRegistry()
	ping := wire.RegisterMessage[pingMsg](reg, keyPing, wire.Reliable, 0)
	out := wire.NewOutbox()
	ping.Queue(out, 9, pingMsg{N: 1})
	ping.Queue(out, 9, pingMsg{N: 2})

	srv.Flush(context.Background(), 3, out)

	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("slow consumer still registered, sessions=%d", got)
	}
	if got := mets.Get("transport_slow_consumer_closes"); got != 1 {
		t.Fatalf("slow consumer closes=%d, want 1", got)
	}
	var left []ConnEvent
	srv.DrainEvents(func(ev ConnEvent) {
		if !ev.Joined {
			left = append(left, ev)
		}
	})
	if len(left) != 1 || left[0].Conn != 9 || left[0].Reason != "slow consumer" {
		t.Fatalf("unexpected leave events %+v", left)
	}
}

func TestBestEffortOverflowDropsFrameOnly(t *testing.T) {
	mets := telemetry.NewCounters()
	srv := NewServer(Config{MaxPending: 1}, 20.0, nil, nil, nil, mets)

	s := &session{id: 4, name: "laggy", out: make(chan []byte, 1), done: make(chan struct{})}
	srv.sessions[4] = s

	reg := wire.NewRegistry()
	blip := wire.RegisterMessage[pingMsg](reg, keyBlip, wire.Unreliable, 0)
	out := wire.NewOutbox()
	blip.Queue(out, 4, pingMsg{N: 1})
	blip.Queue(out, 4, pingMsg{N: 2})

	srv.Flush(context.Background(), 3, out)

	if got := srv.SessionCount(); got != 1 {
		t.Fatalf("best-effort overflow closed the session, sessions=%d", got)
	}
	if got := mets.Get("transport_frames_dropped"); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
	if got := mets.Get("transport_slow_consumer_closes"); got != 0 {
		t.Fatalf("best-effort overflow counted as slow consumer")
	}
}

func TestIntakeRingBoundsAndOrder(t *testing.T) {
	mets := telemetry.NewCounters()
	ring := NewIntake(2, mets)

	if !ring.Push(Inbound{Conn: 1, Env: wire.Envelope{T: 1}}) {
		t.Fatal("first push refused")
	}
	if !ring.Push(Inbound{Conn: 1, Env: wire.Envelope{T: 2}}) {
		t.Fatal("second push refused")
	}
	if ring.Push(Inbound{Conn: 1, Env: wire.Envelope{T: 3}}) {
		t.Fatal("push past capacity accepted")
	}
	if got := mets.Get(intakeOverflowMetricKey); got != 1 {
		t.Fatalf("overflow=%d, want 1", got)
	}

	frames := ring.Drain()
	if len(frames) != 2 || frames[0].Env.T != 1 || frames[1].Env.T != 2 {
		t.Fatalf("drain returned %+v", frames)
	}
	if ring.Len() != 0 {
		t.Fatalf("ring not empty after drain")
	}
}

func TestKickClosesClient(t *testing.T) {
	srv, url := newTestServer(t, Config{}, telemetry.NewCounters())

	client, err := Dial(context.Background(), url, "tester", Config{}, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)

	waitFor(t, func() bool { return srv.SessionCount() == 1 }, "session never registered")
	srv.Kick(client.ConnID(), "testing")

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never noticed the kick")
	}

	var reasons []string
	srv.DrainEvents(func(ev ConnEvent) {
		if !ev.Joined {
			reasons = append(reasons, ev.Reason)
		}
	})
	if len(reasons) != 1 || reasons[0] != "testing" {
		t.Fatalf("unexpected leave reasons %v", reasons)
	}
}
