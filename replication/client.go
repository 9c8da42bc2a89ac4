package replication

import (
	"context"
	"fmt"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	logsync "outpost/netcode/logging/sync"
	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// ClientConfig bounds the client-side replication buffers.
type ClientConfig struct {
	// PendingCap caps payloads buffered for identities that have not
	// spawned locally yet. Past it the oldest entry is evicted.
	PendingCap int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{PendingCap: 256}
}

type pendingApply struct {
	identity netid.ID
	attempt  func() bool
}

// Client rebuilds replicated state from the reliable stream: spawns
// instantiate prefabs and bind identities, payloads fold into mirror
// components, and payloads that outrun their spawn wait in a bounded
// buffer until the identity materializes.
//
// Not safe for concurrent use; the engine owns it on the tick goroutine.
type Client struct {
	reg     *wire.Registry
	world   donburi.World
	ids     *netid.Registry
	prefabs *PrefabRegistry
	proto   protocol
	cfg     ClientConfig
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics

	bindings map[wire.TypeKey]clientBinding
	pending  []pendingApply
	ctx      context.Context
	tick     uint64

	// OnSpawn and OnDespawn let the embedding program react to entity
	// lifecycle, for example to attach presentation components.
	OnSpawn   func(netid.ID, donburi.Entity)
	OnDespawn func(netid.ID)
}

func NewClient(reg *wire.Registry, world donburi.World, ids *netid.Registry, prefabs *PrefabRegistry, cfg ClientConfig, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Client {
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = DefaultClientConfig().PendingCap
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Client{
		reg:      reg,
		world:    world,
		ids:      ids,
		prefabs:  prefabs,
		proto:    newProtocol(reg),
		cfg:      cfg,
		pub:      pub,
		logger:   logger,
		metrics:  metrics,
		bindings: make(map[wire.TypeKey]clientBinding),
		ctx:      context.Background(),
	}
}

type clientBinding interface {
	attach(r *wire.Router)
	removeFrom(entry *donburi.Entry)
}

type receiveConfig[M any] struct {
	def      func() M
	resource bool
}

// ReceiveOption tunes one Receive or ReceiveResource registration.
type ReceiveOption[M any] func(*receiveConfig[M])

// WithDefault lets payloads for entities missing the mirror component
// insert it first, built by fn, instead of being dropped.
func WithDefault[M any](fn func() M) ReceiveOption[M] {
	return func(c *receiveConfig[M]) {
		c.def = fn
	}
}

// Receive registers a client-side mirror binding for key. M holds the
// replicated values and folds payloads in through Mirror[P].
// Registering two mirrors for one key is a programmer error and panics.
func Receive[P any, M any, PM interface {
	*M
	Mirror[P]
}](c *Client, comp *donburi.ComponentType[M], key wire.TypeKey, opts ...ReceiveOption[M]) {
	registerMirror[P, M, PM](c, comp, key, false, opts)
}

// ReceiveResource registers the client half of a ServeResource binding.
// The mirror lives on a singleton entity, created on first payload.
func ReceiveResource[P any, M any, PM interface {
	*M
	Mirror[P]
}](c *Client, comp *donburi.ComponentType[M], key wire.TypeKey, opts ...ReceiveOption[M]) {
	registerMirror[P, M, PM](c, comp, key, true, opts)
}

func registerMirror[P any, M any, PM interface {
	*M
	Mirror[P]
}](c *Client, comp *donburi.ComponentType[M], key wire.TypeKey, resource bool, opts []ReceiveOption[M]) {
	if _, exists := c.bindings[key]; exists {
		panic(fmt.Sprintf("replication: mirror for %s registered twice", key))
	}
	cfg := receiveConfig[M]{resource: resource}
	for _, opt := range opts {
		opt(&cfg)
	}
	msg := wire.RegisterMessage[Payload[P]](c.reg, key, wire.Reliable, 0)
	c.bindings[key] = &mirrorBinding[P, M, PM]{client: c, comp: comp, msg: msg, cfg: cfg}
}

// BindRouter registers every mirror binding plus the lifecycle handlers
// on r. Call once, after all Receive registrations.
func (c *Client) BindRouter(r *wire.Router) {
	for _, b := range c.bindings {
		b.attach(r)
	}
	wire.Handle(r, c.proto.spawn, c.handleSpawn)
	wire.Handle(r, c.proto.despawn, c.handleDespawn)
	wire.Handle(r, c.proto.remove, c.handleRemove)
}

// SetTick stamps events published while handling this tick's messages.
// Call before draining the transport.
func (c *Client) SetTick(ctx context.Context, tick uint64) {
	c.ctx = ctx
	c.tick = tick
}

// Flush retries buffered payloads in receipt order. Call once per tick
// after the transport drain, so spawns land before their payloads.
func (c *Client) Flush() {
	if len(c.pending) > 0 {
		remaining := c.pending[:0]
		for _, p := range c.pending {
			if !p.attempt() {
				remaining = append(remaining, p)
			}
		}
		for i := len(remaining); i < len(c.pending); i++ {
			c.pending[i] = pendingApply{}
		}
		c.pending = remaining
	}
	c.metrics.Store("replication_pending", uint64(len(c.pending)))
}

// PendingLen reports how many payloads wait for their spawn.
func (c *Client) PendingLen() int {
	return len(c.pending)
}

func (c *Client) bufferPending(id netid.ID, attempt func() bool) {
	if len(c.pending) >= c.cfg.PendingCap {
		evicted := c.pending[0]
		copy(c.pending, c.pending[1:])
		c.pending = c.pending[:len(c.pending)-1]
		c.metrics.Add("replication_pending_evicted", 1)
		logsync.PendingEvicted(c.ctx, c.pub, c.tick, uint32(evicted.identity), logsync.PendingEvictedPayload{
			Buffered: len(c.pending) + 1,
			Cap:      c.cfg.PendingCap,
		})
	}
	c.pending = append(c.pending, pendingApply{identity: id, attempt: attempt})
}

func (c *Client) dropPendingFor(id netid.ID) {
	remaining := c.pending[:0]
	for _, p := range c.pending {
		if p.identity != id {
			remaining = append(remaining, p)
		}
	}
	for i := len(remaining); i < len(c.pending); i++ {
		c.pending[i] = pendingApply{}
	}
	c.pending = remaining
}

func (c *Client) handleSpawn(conn wire.ConnID, msg Spawn) {
	fn, ok := c.prefabs.Lookup(msg.Prefab)
	if !ok {
		if c.logger != nil {
			c.logger.Printf("[replication] spawn identity=%d names unknown prefab %q", msg.Identity, msg.Prefab)
		}
		return
	}
	root, children := fn(c.world)
	c.bind(msg.Identity, root)
	// The child list is the remap table: references resolve through
	// identities, never through raw server entity handles.
	if len(children) != len(msg.Children) && c.logger != nil {
		c.logger.Printf("[replication] prefab %q built %d children, announcement carries %d", msg.Prefab, len(children), len(msg.Children))
	}
	for i := 0; i < len(children) && i < len(msg.Children); i++ {
		c.bind(msg.Children[i], children[i])
	}
	c.metrics.Add("replication_spawns_applied", 1)
	if c.OnSpawn != nil {
		c.OnSpawn(msg.Identity, root)
	}
}

func (c *Client) bind(id netid.ID, entity donburi.Entity) {
	if err := c.ids.Bind(id, entity); err != nil {
		if c.logger != nil {
			c.logger.Printf("[replication] bind identity=%d: %v", id, err)
		}
		return
	}
	entry := c.world.Entry(entity)
	if !entry.HasComponent(netid.Component) {
		entry.AddComponent(netid.Component)
	}
	netid.Component.SetValue(entry, netid.Data{ID: id})
}

func (c *Client) handleDespawn(conn wire.ConnID, msg Despawn) {
	entity, ok := c.ids.Resolve(msg.Identity)
	if !ok {
		logsync.UnknownIdentity(c.ctx, c.pub, c.tick, uint64(conn), uint32(msg.Identity))
		return
	}
	c.ids.Release(msg.Identity)
	if c.world.Valid(entity) {
		c.world.Remove(entity)
	}
	c.dropPendingFor(msg.Identity)
	c.metrics.Add("replication_despawns_applied", 1)
	if c.OnDespawn != nil {
		c.OnDespawn(msg.Identity)
	}
}

func (c *Client) handleRemove(conn wire.ConnID, msg Remove) {
	key, ok := c.reg.KeyOf(msg.TypeID)
	if !ok {
		logsync.Malformed(c.ctx, c.pub, c.tick, uint64(conn), logsync.MalformedPayload{TypeID: msg.TypeID, Reason: "removal names unknown type"})
		return
	}
	b, ok := c.bindings[key]
	if !ok {
		logsync.Malformed(c.ctx, c.pub, c.tick, uint64(conn), logsync.MalformedPayload{TypeID: msg.TypeID, Reason: "removal names unmirrored type"})
		return
	}
	entity, ok := c.ids.Resolve(msg.Identity)
	if !ok {
		// No spawn yet means no mirror to remove.
		return
	}
	if !c.world.Valid(entity) {
		return
	}
	b.removeFrom(c.world.Entry(entity))
	c.metrics.Add("replication_removals_applied", 1)
}

// mirrorBinding folds Payload[P] frames into one mirror component type.
type mirrorBinding[P any, M any, PM interface {
	*M
	Mirror[P]
}] struct {
	client *Client
	comp   *donburi.ComponentType[M]
	msg    *wire.MsgType[Payload[P]]
	cfg    receiveConfig[M]
}

func (b *mirrorBinding[P, M, PM]) attach(r *wire.Router) {
	wire.Handle(r, b.msg, func(conn wire.ConnID, p Payload[P]) {
		b.deliver(conn, p)
	})
}

func (b *mirrorBinding[P, M, PM]) removeFrom(entry *donburi.Entry) {
	if entry.HasComponent(b.comp) {
		entry.RemoveComponent(b.comp)
	}
}

func (b *mirrorBinding[P, M, PM]) deliver(conn wire.ConnID, p Payload[P]) {
	c := b.client
	c.metrics.Add("replication_payloads_received", 1)
	if b.cfg.resource {
		if p.Identity != netid.None {
			logsync.Malformed(c.ctx, c.pub, c.tick, uint64(conn), logsync.MalformedPayload{TypeID: b.msg.ID(), Reason: "resource payload carries an identity"})
			return
		}
		b.applyResource(p)
		return
	}
	if p.Identity == netid.None {
		logsync.Malformed(c.ctx, c.pub, c.tick, uint64(conn), logsync.MalformedPayload{TypeID: b.msg.ID(), Reason: "component payload without identity"})
		return
	}
	if !b.apply(p) {
		// Payload outran its spawn; hold it until the scene catches up.
		c.bufferPending(p.Identity, func() bool {
			return b.apply(p)
		})
	}
}

// apply returns false only while the identity has not materialized.
func (b *mirrorBinding[P, M, PM]) apply(p Payload[P]) bool {
	c := b.client
	entity, ok := c.ids.Resolve(p.Identity)
	if !ok {
		return false
	}
	if !c.world.Valid(entity) {
		return true
	}
	entry := c.world.Entry(entity)
	if !entry.HasComponent(b.comp) {
		if b.cfg.def == nil {
			logsync.MirrorMissing(c.ctx, c.pub, c.tick, uint32(p.Identity), logsync.MirrorMissingPayload{TypeID: b.msg.ID()})
			c.metrics.Add("replication_mirror_missing", 1)
			return true
		}
		entry.AddComponent(b.comp)
		b.comp.SetValue(entry, b.cfg.def())
	}
	PM(b.comp.Get(entry)).ApplyUpdate(p.Body)
	c.metrics.Add("replication_payloads_applied", 1)
	return true
}

func (b *mirrorBinding[P, M, PM]) applyResource(p Payload[P]) {
	c := b.client
	entry, ok := b.comp.First(c.world)
	if !ok {
		entity := c.world.Create(b.comp)
		entry = c.world.Entry(entity)
		if b.cfg.def != nil {
			b.comp.SetValue(entry, b.cfg.def())
		}
	}
	PM(b.comp.Get(entry)).ApplyUpdate(p.Body)
	c.metrics.Add("replication_payloads_applied", 1)
}
