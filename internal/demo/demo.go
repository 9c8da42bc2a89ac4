// Package demo is a reference consumer of the replication engine: a toy
// station whose crew wander the halls, doors cycle, health decays, and
// crate manifests stay private to the connection that owns them. The
// server and soak binaries run it, and bots mirror it.
package demo

import (
	"github.com/yohamta/donburi"

	"outpost/netcode/replication"
	"outpost/netcode/transform"
	"outpost/netcode/wire"
)

// Replication keys. Both peers must register the same set before the
// first frame crosses the wire.
var (
	KeyCrew     = wire.MustKey("f47c2e18-5a09-4b3d-8c67-91d2b4a0e6f3")
	KeyHealth   = wire.MustKey("3a9d61f7-28c4-4e0b-b5d9-7f1e84c62a90")
	KeyDoor     = wire.MustKey("9b2f7c44-d1e8-4a56-90b3-6c8f25d7a1e4")
	KeyManifest = wire.MustKey("6e0a3d92-7b5f-4c18-a4d6-2f91c8e57b03")
	KeyShift    = wire.MustKey("d85b1f60-49a7-4e2c-b7f1-0c3d96a84e25")
)

// Prefab names carried in spawn announcements.
const (
	PrefabCrew  = "crew"
	PrefabDoor  = "door"
	PrefabCrate = "crate"
)

var (
	CrewComp     = donburi.NewComponentType[Crew]()
	HealthComp   = donburi.NewComponentType[Health]()
	DoorComp     = donburi.NewComponentType[Door]()
	ManifestComp = donburi.NewComponentType[Manifest]()
	ShiftComp    = donburi.NewComponentType[Shift]()

	CrewMirrorComp     = donburi.NewComponentType[CrewMirror]()
	HealthMirrorComp   = donburi.NewComponentType[HealthMirror]()
	DoorMirrorComp     = donburi.NewComponentType[DoorMirror]()
	ManifestMirrorComp = donburi.NewComponentType[ManifestMirror]()
	ShiftMirrorComp    = donburi.NewComponentType[ShiftMirror]()

	// Wander state never leaves the server.
	agentComp = donburi.NewComponentType[agent]()
)

// ServeAll binds every demo component on the server side.
func ServeAll(rep *replication.Server) {
	replication.Serve[CrewPayload](rep, CrewComp, KeyCrew)
	replication.Serve[HealthPayload](rep, HealthComp, KeyHealth)
	replication.Serve[DoorPayload](rep, DoorComp, KeyDoor)
	replication.Serve[ManifestPayload](rep, ManifestComp, KeyManifest)
	replication.ServeResource[ShiftPayload](rep, ShiftComp, KeyShift)
}

// ReceiveAll binds the mirror for every key ServeAll registers.
func ReceiveAll(rep *replication.Client) {
	replication.Receive[CrewPayload](rep, CrewMirrorComp, KeyCrew)
	replication.Receive[HealthPayload](rep, HealthMirrorComp, KeyHealth)
	replication.Receive[DoorPayload](rep, DoorMirrorComp, KeyDoor)
	replication.Receive[ManifestPayload](rep, ManifestMirrorComp, KeyManifest)
	replication.ReceiveResource[ShiftPayload](rep, ShiftMirrorComp, KeyShift)
}

// NewPrefabs returns the client prefab table for the station's spawns.
func NewPrefabs() *replication.PrefabRegistry {
	reg := replication.NewPrefabRegistry()
	reg.Register(PrefabCrew, func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(CrewMirrorComp, HealthMirrorComp, transform.Component), nil
	})
	reg.Register(PrefabDoor, func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(DoorMirrorComp, transform.Component), nil
	})
	reg.Register(PrefabCrate, func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(ManifestMirrorComp, transform.Component), nil
	})
	return reg
}
