// Command soak runs an in-process server against a fleet of bots for a
// fixed duration, optionally under a profiler, and prints the telemetry
// the run produced. It is the load harness the engine is tuned with.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/profile"

	"outpost/netcode"
	"outpost/netcode/internal/demo"
	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

func main() {
	bots := flag.Int("bots", 4, "number of concurrent bot clients")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	tickRate := flag.Int("tick-rate", 30, "server ticks per second")
	profileMode := flag.String("profile", "off", `"cpu", "mem" or "off"`)
	profilePath := flag.String("profile-path", ".", "directory for pprof output")
	flag.Parse()

	logger := log.New(os.Stdout, "[soak] ", log.LstdFlags)

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*profilePath), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath(*profilePath), profile.NoShutdownHook).Stop()
	case "off":
	default:
		logger.Fatalf("unknown profile mode %q", *profileMode)
	}

	if err := run(*bots, *duration, *tickRate, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(bots int, duration time.Duration, tickRate int, logger *log.Logger) error {
	cfg := netcode.DefaultConfig()
	cfg.TickRate = tickRate

	smets := telemetry.NewCounters()
	cmets := telemetry.NewCounters()

	var (
		srv     *netcode.Server
		station *demo.Station
	)
	hooks := netcode.ServerHooks{
		OnConnect: func(conn wire.ConnID, name string) {
			station.ClaimCrate(conn)
		},
		OnDisconnect: func(conn wire.ConnID) {
			station.ReleaseCrates(conn)
		},
		OnTick: func(tc netcode.TickContext) {
			station.Step(tc.Tick, tc.Delta)
		},
	}
	var err error
	srv, err = netcode.NewServer(cfg, hooks, netcode.ServerDeps{Metrics: smets})
	if err != nil {
		return err
	}
	demo.ServeAll(srv.Replication())
	station = demo.BuildStation(srv.World(), srv, rand.New(rand.NewSource(7)), cfg.TickRate)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("serve: %v", err)
		}
	}()
	url := fmt.Sprintf("ws://%s/ws", ln.Addr())

	stop := make(chan struct{})
	go srv.Run(stop)

	before := snapshotBoth(smets, cmets)
	start := time.Now()

	var wg sync.WaitGroup
	clients := make([]*netcode.Client, 0, bots)
	for i := 0; i < bots; i++ {
		cl, err := netcode.NewClient(cfg, demo.NewPrefabs(), netcode.ClientHooks{}, netcode.ClientDeps{Metrics: cmets})
		if err != nil {
			return err
		}
		demo.ReceiveAll(cl.Replication())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = cl.Connect(ctx, url, fmt.Sprintf("soak-%d", i))
		cancel()
		if err != nil {
			return fmt.Errorf("bot %d: %w", i, err)
		}
		clients = append(clients, cl)
		wg.Add(1)
		go func(c *netcode.Client) {
			defer wg.Done()
			c.Run(stop)
		}(cl)
	}
	logger.Printf("%d bots on %s for %s", bots, url, duration)

	time.Sleep(duration)
	close(stop)
	wg.Wait()
	for _, cl := range clients {
		cl.Close()
	}
	srv.Close()
	_ = httpSrv.Close()

	elapsed := time.Since(start)
	after := snapshotBoth(smets, cmets)
	logger.Printf("ran %d ticks in %s", srv.Tick(), elapsed.Round(time.Millisecond))
	printDeltas("server", before.server, after.server)
	printDeltas("bots  ", before.clients, after.clients)
	return nil
}

type snapshots struct {
	server  map[string]uint64
	clients map[string]uint64
}

func snapshotBoth(s, c *telemetry.Counters) snapshots {
	return snapshots{server: s.Snapshot(), clients: c.Snapshot()}
}

func printDeltas(side string, before, after map[string]uint64) {
	keys := make([]string, 0, len(after))
	for k := range after {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if delta := after[k] - before[k]; delta != 0 {
			fmt.Printf("%s %-36s %d\n", side, k, delta)
		}
	}
}
