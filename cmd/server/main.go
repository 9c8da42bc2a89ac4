// Command server runs the demo station: wandering crew, cycling doors,
// decaying health and owner-private crate manifests, replicated to every
// websocket client through per-avatar interest.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode"
	"outpost/netcode/internal/demo"
	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	"outpost/netcode/logging/sinks"
	"outpost/netcode/netid"
	"outpost/netcode/transform"
	"outpost/netcode/visibility"
	"outpost/netcode/wire"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	eventLog := flag.String("events", "", "append structured events to this JSONL file")
	seed := flag.Int64("seed", 1, "station rng seed")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags)
	if err := run(*configPath, *eventLog, *seed, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(configPath, eventLog string, seed int64, logger *log.Logger) error {
	cfg, err := netcode.Load(configPath, logger)
	if err != nil {
		return err
	}

	lcfg := logging.DefaultConfig()
	if eventLog != "" {
		lcfg.EnabledSinks = append(lcfg.EnabledSinks, "json")
	}
	var named []logging.NamedSink
	if lcfg.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: sinks.NewConsole(os.Stdout)})
	}
	if lcfg.HasSink("json") {
		f, err := os.OpenFile(eventLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		defer f.Close()
		named = append(named, logging.NamedSink{Name: "json", Sink: sinks.NewJSON(f, 2*time.Second)})
	}
	events, err := logging.NewRouter(nil, lcfg, nil, named)
	if err != nil {
		return err
	}

	mets := telemetry.NewCounters()

	var (
		srv     *netcode.Server
		station *demo.Station
	)
	avatars := make(map[wire.ConnID]netid.ID)
	viewRange := cfg.Visibility.RangeCells

	hooks := netcode.ServerHooks{
		OnConnect: func(conn wire.ConnID, name string) {
			if name == "" {
				name = fmt.Sprintf("drone-%d", conn)
			}
			id := station.SpawnCrew(srv, name, "visitor", station.Width/2, station.Height/2)
			avatars[conn] = id
			station.ClaimCrate(conn)
			logger.Printf("conn=%d joined as %q identity=%d", conn, name, id)
		},
		OnDisconnect: func(conn wire.ConnID) {
			station.ReleaseCrates(conn)
			id, ok := avatars[conn]
			if !ok {
				return
			}
			delete(avatars, conn)
			if entity, found := srv.Identities().Resolve(id); found {
				srv.Despawn(id)
				srv.World().Remove(entity)
			}
		},
		OnTick: func(tc netcode.TickContext) {
			station.Step(tc.Tick, tc.Delta)
		},
		Viewers: func() []visibility.Viewer {
			viewers := make([]visibility.Viewer, 0, len(avatars))
			for conn, id := range avatars {
				entity, ok := srv.Identities().Resolve(id)
				if !ok {
					continue
				}
				pos := transform.Component.Get(srv.World().Entry(entity)).Pos
				viewers = append(viewers, visibility.Viewer{Conn: conn, X: pos.X, Y: pos.Y, Range: viewRange})
			}
			return viewers
		},
		Keyframe: func(tick uint64) ([]byte, error) {
			return stationKeyframe(srv)
		},
	}

	srv, err = netcode.NewServer(cfg, hooks, netcode.ServerDeps{
		Publisher: events,
		Logger:    logger,
		Metrics:   mets,
	})
	if err != nil {
		return err
	}

	demo.ServeAll(srv.Replication())
	station = demo.BuildStation(srv.World(), srv, rand.New(rand.NewSource(seed)), cfg.TickRate)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	httpSrv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		logger.Printf("station up on %s/ws tick_rate=%d", cfg.Addr, cfg.TickRate)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Printf("shutting down")
		close(stop)
	}()

	go reportTelemetry(stop, srv, mets, logger)

	srv.Run(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	srv.Close()
	return events.Close(ctx)
}

func reportTelemetry(stop <-chan struct{}, srv *netcode.Server, mets *telemetry.Counters, logger *log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logger.Printf("tick=%d sessions=%d counters=%v", srv.Tick(), srv.SessionCount(), mets.Snapshot())
		}
	}
}

type keyframeEntity struct {
	ID uint32  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// stationKeyframe flattens every replicated position into a JSON blob
// small enough for the journal's keyframe ring.
func stationKeyframe(srv *netcode.Server) ([]byte, error) {
	ents := make([]keyframeEntity, 0, srv.Identities().Len())
	srv.Identities().Each(func(id netid.ID, entity donburi.Entity) bool {
		entry := srv.World().Entry(entity)
		if entry.HasComponent(transform.Component) {
			pos := transform.Component.Get(entry).Pos
			ents = append(ents, keyframeEntity{ID: uint32(id), X: pos.X, Y: pos.Y})
		}
		return true
	})
	return json.Marshal(ents)
}
