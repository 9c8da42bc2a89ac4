// Package netcode assembles an authoritative-server entity replication
// engine over websockets: stable network identities, declarative
// component replication with interest management, sequenced transform
// streaming with selective retransmission, and server-tick estimation
// for smooth client playback.
//
// A server embeds one Server, a client one Client. Both sides run a
// fixed-timestep loop; the server's tick is authoritative and the client
// estimates it from periodic timing pings, playing received state back
// a safe lag behind the estimate.
//
// # Registration
//
// Message type ids are positions in the registry's sorted key list, so
// both sides must register the same set of keys before the first frame
// is built; order within that window is irrelevant. NewServer and
// NewClient register the built-in protocols; game code then adds its
// own bindings and messages between construction and the first tick,
// with every replication.Serve on the server matched by a
// replication.Receive for the same key on the client. A missing key
// fails loudly: the first affected frame reports an unknown or
// undecodable type id and is dropped.
//
// # Tick pipeline
//
// Server order per tick: connection events, inbound dispatch, game
// OnTick, timing pings, visibility recomputation, component
// replication, transform send, observer flush, transport flush. Client
// order: playback advance, inbound dispatch, pending replay, transform
// apply, game OnTick, transport flush. Hooks observe this pipeline;
// they never reorder it.
package netcode
