package netcode

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/netid"
	"outpost/netcode/netvar"
	"outpost/netcode/replication"
	"outpost/netcode/transform"
	"outpost/netcode/wire"
)

var keyVital = wire.MustKey("7d3b9f42-a816-4c5e-b0d9-2e64c8a1f573")

type vital struct {
	HP netvar.Var[int]
}

type vitalPayload struct {
	HP *int `codec:"hp"`
}

func (v *vital) Snapshot() vitalPayload {
	hp := v.HP.Value()
	return vitalPayload{HP: &hp}
}

func (v *vital) Diff(since uint64) (vitalPayload, bool) {
	if !v.HP.ChangedSince(since) {
		return vitalPayload{}, false
	}
	hp := v.HP.Value()
	return vitalPayload{HP: &hp}, true
}

func (v *vital) Flush(tick uint64) bool { return v.HP.Flush(tick) }

type vitalMirror struct {
	HP netvar.Mirror[int]
}

func (m *vitalMirror) ApplyUpdate(p vitalPayload) {
	if p.HP != nil {
		m.HP.Apply(*p.HP)
	}
}

var (
	vitalComp       = donburi.NewComponentType[vital]()
	vitalMirrorComp = donburi.NewComponentType[vitalMirror]()
)

// enginePair runs a real server and client over a live websocket, both
// stepped by hand.
type enginePair struct {
	srv   *Server
	cl    *Client
	smets *telemetry.Counters
	cmets *telemetry.Counters
}

func newEnginePair(t *testing.T) *enginePair {
	t.Helper()
	cfg := DefaultConfig()
	p := &enginePair{
		smets: telemetry.NewCounters(),
		cmets: telemetry.NewCounters(),
	}

	srv, err := NewServer(cfg, ServerHooks{}, ServerDeps{Metrics: p.smets})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	p.srv = srv
	replication.Serve[vitalPayload](srv.Replication(), vitalComp, keyVital)

	hts := httptest.NewServer(srv.Handler())
	t.Cleanup(hts.Close)
	t.Cleanup(srv.Close)

	prefabs := replication.NewPrefabRegistry()
	prefabs.Register("crew", func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(vitalMirrorComp, transform.Component), nil
	})
	cl, err := NewClient(cfg, prefabs, ClientHooks{}, ClientDeps{Metrics: p.cmets})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	p.cl = cl
	replication.Receive[vitalPayload](cl.Replication(), vitalMirrorComp, keyVital)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hts.URL, "http")
	if err := cl.Connect(ctx, url, "itest"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(cl.Close)
	return p
}

// stepUntil advances both engines until cond holds, failing after a
// generous real-time deadline; frames travel over real sockets.
func (p *enginePair) stepUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		p.srv.Step(now)
		p.cl.Step(now)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (p *enginePair) spawnCrew(t *testing.T, hp int, x, y float64) (netid.ID, donburi.Entity) {
	t.Helper()
	entity := p.srv.World().Create(vitalComp, transform.Component)
	entry := p.srv.World().Entry(entity)
	vitalComp.SetValue(entry, vital{HP: netvar.NewVar(hp)})
	transform.Component.SetValue(entry, transform.Data{Pos: transform.Vec2{X: x, Y: y}})
	return p.srv.MakeReplicable(entity, "crew"), entity
}

func (p *enginePair) mirrorOf(t *testing.T, id netid.ID) *vitalMirror {
	t.Helper()
	entity, ok := p.cl.Identities().Resolve(id)
	if !ok {
		t.Fatalf("identity %d not resolvable client-side", id)
	}
	return vitalMirrorComp.Get(p.cl.World().Entry(entity))
}

func TestEndToEndSpawnValueAndTransform(t *testing.T) {
	p := newEnginePair(t)
	id, _ := p.spawnCrew(t, 40, 2, 3)

	p.stepUntil(t, func() bool {
		_, ok := p.cl.Identities().Resolve(id)
		return ok
	}, "spawn never reached the client")

	p.stepUntil(t, func() bool {
		return p.mirrorOf(t, id).HP.Ready()
	}, "vital payload never landed")
	if got := p.mirrorOf(t, id).HP.Value(); got != 40 {
		t.Fatalf("mirror hp=%d, want 40", got)
	}

	p.stepUntil(t, func() bool {
		d, ok := p.cl.SampleTransform(id)
		return ok && d.Pos.X == 2 && d.Pos.Y == 3
	}, "transform never reached the client")
}

func TestEndToEndValueDiffPropagates(t *testing.T) {
	p := newEnginePair(t)
	id, entity := p.spawnCrew(t, 40, 0, 0)
	p.stepUntil(t, func() bool {
		_, ok := p.cl.Identities().Resolve(id)
		return ok && p.mirrorOf(t, id).HP.Ready()
	}, "initial sync never completed")

	vitalComp.Get(p.srv.World().Entry(entity)).HP.Set(25)
	p.stepUntil(t, func() bool {
		return p.mirrorOf(t, id).HP.Value() == 25
	}, "diff never reached the client")
}

func TestEndToEndDespawnAndClockEcho(t *testing.T) {
	p := newEnginePair(t)

	if !p.cl.Synced() {
		t.Fatal("welcome did not seed the tick estimator")
	}

	id, entity := p.spawnCrew(t, 10, 0, 0)
	p.stepUntil(t, func() bool {
		_, ok := p.cl.Identities().Resolve(id)
		return ok
	}, "spawn never reached the client")

	p.srv.Despawn(id)
	p.srv.World().Remove(entity)
	p.stepUntil(t, func() bool {
		_, ok := p.cl.Identities().Resolve(id)
		return !ok
	}, "despawn never reached the client")

	p.stepUntil(t, func() bool {
		return p.smets.Get("clock_echoes_received") >= 1
	}, "server never measured an echo")
}

func TestServerJournalsKeyframes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Dir = dir
	cfg.Journal.KeyframeEveryTicks = 2
	cfg.Journal.Index = false

	mets := telemetry.NewCounters()
	srv, err := NewServer(cfg, ServerHooks{
		Keyframe: func(tick uint64) ([]byte, error) {
			return []byte(`{"ok":true}`), nil
		},
	}, ServerDeps{Metrics: mets})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	now := time.Now()
	for i := 0; i < 4; i++ {
		srv.Step(now)
		now = now.Add(33 * time.Millisecond)
	}
	srv.Close()

	if got := mets.Get("journal_keyframes"); got != 2 {
		t.Fatalf("keyframes recorded %d, want 2", got)
	}
	frames := srv.Journal().Keyframes()
	if len(frames) != 2 {
		t.Fatalf("ring holds %d keyframes, want 2", len(frames))
	}
	if frames[0].Tick != 2 || frames[1].Tick != 4 {
		t.Fatalf("keyframe ticks %d and %d, want 2 and 4", frames[0].Tick, frames[1].Tick)
	}
}
