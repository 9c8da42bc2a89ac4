// Command bot is a headless spectator: it connects to a station server,
// mirrors whatever its avatar can see and periodically reports it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode"
	"outpost/netcode/internal/demo"
	"outpost/netcode/internal/telemetry"
	"outpost/netcode/netid"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "server websocket url")
	name := flag.String("name", "bot", "name sent in the handshake")
	duration := flag.Duration("duration", 0, "disconnect after this long (0 runs until interrupted)")
	report := flag.Duration("report", 2*time.Second, "interval between observation reports")
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags)
	if err := run(*addr, *name, *duration, *report, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(addr, name string, duration, report time.Duration, logger *log.Logger) error {
	cfg := netcode.DefaultConfig()
	mets := telemetry.NewCounters()

	var cl *netcode.Client
	reportEvery := uint64(float64(cfg.TickRate) * report.Seconds())
	if reportEvery == 0 {
		reportEvery = 1
	}

	hooks := netcode.ClientHooks{
		OnSpawn: func(id netid.ID, entity donburi.Entity) {
			logger.Printf("spawned identity=%d", id)
		},
		OnDespawn: func(id netid.ID) {
			logger.Printf("despawned identity=%d", id)
		},
		OnTick: func(tc netcode.TickContext) {
			if tc.Tick%reportEvery == 0 {
				logger.Printf("%s", observe(cl))
			}
		},
	}

	var err error
	cl, err = netcode.NewClient(cfg, demo.NewPrefabs(), hooks, netcode.ClientDeps{
		Logger:  logger,
		Metrics: mets,
	})
	if err != nil {
		return err
	}
	demo.ReceiveAll(cl.Replication())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cl.Connect(ctx, addr, name); err != nil {
		return err
	}
	logger.Printf("connected to %s as conn=%d", addr, cl.ConnID())

	stop := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		if duration > 0 {
			select {
			case <-sig:
			case <-time.After(duration):
			}
		} else {
			<-sig
		}
		close(stop)
	}()

	cl.Run(stop)
	cl.Close()

	select {
	case <-cl.Done():
		logger.Printf("connection closed; final counters=%v", mets.Snapshot())
	case <-time.After(2 * time.Second):
		logger.Printf("connection close timed out")
	}
	return nil
}

// observe summarizes the mirrored world in one line.
func observe(cl *netcode.Client) string {
	var b strings.Builder
	fmt.Fprintf(&b, "playback=%.1f identities=%d", cl.PlaybackTick(), cl.Identities().Len())

	if entry, ok := demo.ShiftMirrorComp.First(cl.World()); ok {
		shift := demo.ShiftMirrorComp.Get(entry)
		if shift.Phase.Ready() {
			fmt.Fprintf(&b, " shift=%s/%ds", shift.Phase.Value(), shift.Remaining.Value())
		}
	}

	crew := 0
	demo.CrewMirrorComp.Each(cl.World(), func(entry *donburi.Entry) {
		if demo.CrewMirrorComp.Get(entry).Name.Ready() {
			crew++
		}
	})
	fmt.Fprintf(&b, " crew=%d", crew)

	demo.ManifestMirrorComp.Each(cl.World(), func(entry *donburi.Entry) {
		m := demo.ManifestMirrorComp.Get(entry)
		if !m.Label.Ready() {
			return
		}
		if m.Units.Ready() && m.Units.Value() != demo.HiddenUnits {
			fmt.Fprintf(&b, " crate[%s]=%d", m.Label.Value(), m.Units.Value())
		} else {
			fmt.Fprintf(&b, " crate[%s]=?", m.Label.Value())
		}
	})

	cl.Identities().Each(func(id netid.ID, entity donburi.Entity) bool {
		if d, ok := cl.SampleTransform(id); ok {
			fmt.Fprintf(&b, " id%d=(%.1f,%.1f)", id, d.Pos.X, d.Pos.Y)
			return false
		}
		return true
	})
	return b.String()
}
