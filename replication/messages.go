package replication

import (
	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// Spawn announces an identity to a connection that just gained
// visibility. Prefab names the registered constructor on the client;
// Children carries the identities of the prefab's child entities in
// declaration order, so references between them remap to local handles.
type Spawn struct {
	Identity netid.ID   `codec:"id"`
	Prefab   string     `codec:"prefab"`
	Children []netid.ID `codec:"children"`
}

// Despawn tells observers an identity is gone for good.
type Despawn struct {
	Identity netid.ID `codec:"id"`
}

// Remove tells observers a replicated component was taken off a living
// entity. TypeID is the wire id of that component's payload message.
type Remove struct {
	Identity netid.ID `codec:"id"`
	TypeID   uint16   `codec:"type"`
}

var (
	KeySpawn   = wire.MustKey("e5a0c9d4-2b81-4f7e-9c36-a1d57b8e0f24")
	KeyDespawn = wire.MustKey("7b3e8f12-d6a5-4c09-b8e7-4f20c19d6a53")
	KeyRemove  = wire.MustKey("1f9d6b38-4e07-4a52-bc81-d93a5e7f02c6")
)

// Message priorities: spawns must flush ahead of the snapshots that
// reference them, removals and despawns after the last payloads for the
// affected state.
const (
	prioritySpawn   = 10
	priorityRemove  = -10
	priorityDespawn = -20
)

type protocol struct {
	spawn   *wire.MsgType[Spawn]
	despawn *wire.MsgType[Despawn]
	remove  *wire.MsgType[Remove]
}

func newProtocol(reg *wire.Registry) protocol {
	return protocol{
		spawn:   wire.RegisterMessage[Spawn](reg, KeySpawn, wire.Reliable, prioritySpawn),
		despawn: wire.RegisterMessage[Despawn](reg, KeyDespawn, wire.Reliable, priorityDespawn),
		remove:  wire.RegisterMessage[Remove](reg, KeyRemove, wire.Reliable, priorityRemove),
	}
}
