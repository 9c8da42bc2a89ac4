package netcode

import (
	"context"
	"sync"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode/clock"
	"outpost/netcode/internal/telemetry"
	"outpost/netcode/internal/transport/ws"
	"outpost/netcode/logging"
	"outpost/netcode/netid"
	"outpost/netcode/replication"
	"outpost/netcode/transform"
	"outpost/netcode/wire"
)

// ClientHooks are the game's extension points on the receiving side.
// Every hook is optional.
type ClientHooks struct {
	// OnTick runs the client simulation once per tick, after received
	// state has been applied to the world.
	OnTick func(TickContext)
	// OnSpawn runs after a replicated entity materializes locally.
	OnSpawn func(id netid.ID, entity donburi.Entity)
	// OnDespawn runs after a replicated entity is retired locally.
	OnDespawn func(id netid.ID)
	// AfterStep observes loop timing after each tick.
	AfterStep func(StepResult)
}

// ClientDeps injects ambient dependencies. The zero value runs silent.
type ClientDeps struct {
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

// Client assembles the mirroring side: websocket uplink, tick
// estimation, replication mirrors and transform playback, driven by a
// local fixed-timestep loop.
//
// Register every Receive binding and message handler between NewClient
// and Connect; the router binds when the connection comes up.
type Client struct {
	cfg   Config
	hooks ClientHooks

	reg     *wire.Registry
	router  *wire.Router
	world   donburi.World
	ids     *netid.Registry
	prefabs *replication.PrefabRegistry

	clockProto *clock.Protocol
	est        *clock.Estimator
	tproto     *transform.Protocol
	recv       *transform.Receiver
	rep        *replication.Client
	transport  *ws.Client
	loop       *Loop
	out        *wire.Outbox

	bound sync.Once

	ctx     context.Context
	clk     logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	dispatchErrs uint64
}

// NewClient wires the full client pipeline from one config. prefabs
// must hold a constructor for every prefab the server spawns.
func NewClient(cfg Config, prefabs *replication.PrefabRegistry, hooks ClientHooks, deps ClientDeps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	clk := deps.Clock
	if clk == nil {
		clk = logging.SystemClock{}
	}

	cl := &Client{
		cfg:     cfg,
		hooks:   hooks,
		prefabs: prefabs,
		ctx:     context.Background(),
		clk:     clk,
		logger:  deps.Logger,
		metrics: metrics,
		out:     wire.NewOutbox(),
	}

	cl.reg = wire.NewRegistry()
	cl.clockProto = clock.NewProtocol(cl.reg)
	cl.tproto = transform.NewProtocol(cl.reg)

	cl.world = donburi.NewWorld()
	cl.ids = netid.NewRegistry(false)
	cl.est = clock.NewEstimator(float64(cfg.TickRate))

	cl.rep = replication.NewClient(cl.reg, cl.world, cl.ids, prefabs, replication.ClientConfig{}, deps.Publisher, deps.Logger, metrics)
	cl.recv = transform.NewReceiver(cl.tproto, cfg.receiverConfig(), cl.ids, cl.world, deps.Publisher, deps.Logger, metrics)

	cl.rep.OnSpawn = func(id netid.ID, entity donburi.Entity) {
		if cl.hooks.OnSpawn != nil {
			cl.hooks.OnSpawn(id, entity)
		}
	}
	cl.rep.OnDespawn = func(id netid.ID) {
		cl.recv.Forget(id)
		if cl.hooks.OnDespawn != nil {
			cl.hooks.OnDespawn(id)
		}
	}

	cl.router = wire.NewRouter(cl.reg)
	wire.Handle(cl.router, cl.clockProto.ServerTick, func(conn wire.ConnID, msg clock.ServerTick) {
		echo := cl.est.Observe(msg, cl.clk.Now())
		if err := cl.clockProto.TickEcho.Queue(cl.out, conn, echo); err != nil && cl.logger != nil {
			cl.logger.Printf("[clock] queue echo: %v", err)
		}
	})
	wire.Handle(cl.router, cl.tproto.Update, func(conn wire.ConnID, u transform.Update) {
		cl.recv.HandleUpdate(conn, u, cl.out)
	})

	cl.loop = newLoop(cfg, cl.step, hooks.AfterStep, deps.Clock, deps.Logger, metrics)
	return cl, nil
}

// Registry exposes the message registry for game payload registration.
func (c *Client) Registry() *wire.Registry { return c.reg }

// Router exposes the inbound dispatcher for game message handlers.
func (c *Client) Router() *wire.Router { return c.router }

// Replication exposes the replication client for Receive bindings.
func (c *Client) Replication() *replication.Client { return c.rep }

// World is the mirrored entity world.
func (c *Client) World() donburi.World { return c.world }

// Identities maps received identities to local entities.
func (c *Client) Identities() *netid.Registry { return c.ids }

// Outbox stages outbound game messages. Queue to it only from the tick
// goroutine; the engine flushes it at the end of every step.
func (c *Client) Outbox() *wire.Outbox { return c.out }

// Tick returns the local loop tick. Safe from any goroutine.
func (c *Client) Tick() uint64 { return c.loop.Tick() }

// Synced reports whether tick estimation has a baseline yet.
func (c *Client) Synced() bool { return c.est.Synced() }

// PlaybackTick is the fractional tick remote state is played back at.
func (c *Client) PlaybackTick() float64 { return c.est.PlaybackTick() }

// SampleTransform interpolates an entity's replicated transform at the
// current playback tick.
func (c *Client) SampleTransform(id netid.ID) (transform.Data, bool) {
	return c.recv.Sample(id, c.est.PlaybackTick())
}

// ConnID returns the identity the server assigned this connection, zero
// before Connect.
func (c *Client) ConnID() wire.ConnID {
	if c.transport == nil {
		return 0
	}
	return c.transport.ConnID()
}

// Connect dials the server, closes binding registration and seeds the
// tick estimator from the welcome, so playback starts near the server's
// tick instead of at zero.
func (c *Client) Connect(ctx context.Context, url, name string) error {
	c.bind()
	tc, err := ws.Dial(ctx, url, name, c.cfg.wsConfig(), c.logger, c.metrics)
	if err != nil {
		return err
	}
	c.transport = tc
	if w := tc.Welcome(); w.TickRate != float64(c.cfg.TickRate) && c.logger != nil {
		c.logger.Printf("[client] server ticks at %.0f/s but local config says %d/s; estimates will drift between pings", w.TickRate, c.cfg.TickRate)
	}
	c.est.Observe(clock.ServerTick{Tick: tc.Welcome().Tick}, c.clk.Now())
	return nil
}

// Done closes when the connection drops for any reason.
func (c *Client) Done() <-chan struct{} {
	if c.transport == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.transport.Done()
}

// Run drives the loop until stop closes or the connection drops.
func (c *Client) Run(stop <-chan struct{}) {
	if c.transport == nil {
		if c.logger != nil {
			c.logger.Printf("[client] run before connect")
		}
		return
	}
	merged := make(chan struct{})
	go func() {
		defer close(merged)
		select {
		case <-stop:
		case <-c.transport.Done():
		}
	}()
	c.loop.Run(merged)
}

// Step advances exactly one tick. Tests drive the engine with it.
func (c *Client) Step(now time.Time) StepResult {
	c.bind()
	return c.loop.Step(now)
}

// Close tears the connection down.
func (c *Client) Close() {
	if c.transport != nil {
		c.transport.Close()
	}
}

func (c *Client) bind() {
	c.bound.Do(func() {
		c.rep.BindRouter(c.router)
	})
}

// step is the client tick. The playback tick advances first so this
// tick's applies land on the tick the game will sample.
func (c *Client) step(ctx TickContext) {
	playTick := c.est.Advance(ctx.Now)
	c.rep.SetTick(c.ctx, playTick)

	if c.transport != nil {
		for _, in := range c.transport.Drain() {
			if err := c.router.Dispatch(in.Conn, in.Env); err != nil {
				c.metrics.Add("dispatch_errors", 1)
				c.dispatchErrs++
				if c.dispatchErrs&(c.dispatchErrs-1) == 0 && c.logger != nil {
					c.logger.Printf("[dispatch] dropping frame type=%d: %v (count=%d)", in.Env.T, err, c.dispatchErrs)
				}
			}
		}
	}

	c.rep.Flush()
	c.recv.Apply(c.ctx, playTick, c.est.EstimatedServerTick(ctx.Now))

	if c.hooks.OnTick != nil {
		c.hooks.OnTick(ctx)
	}

	if c.transport != nil {
		c.transport.Flush(c.out)
	}
}
