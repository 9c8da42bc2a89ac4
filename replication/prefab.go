package replication

import (
	"fmt"

	"github.com/yohamta/donburi"
)

// PrefabFunc materializes one prefab instance: the root entity plus any
// child entities, in the same declaration order the server uses when it
// allocates their identities.
type PrefabFunc func(w donburi.World) (donburi.Entity, []donburi.Entity)

// PrefabRegistry maps spawn announcement names to constructors. Names
// are registered once at start-up; registering a name twice is a
// programmer error and panics.
type PrefabRegistry struct {
	byName map[string]PrefabFunc
}

func NewPrefabRegistry() *PrefabRegistry {
	return &PrefabRegistry{byName: make(map[string]PrefabFunc)}
}

func (p *PrefabRegistry) Register(name string, fn PrefabFunc) {
	if _, exists := p.byName[name]; exists {
		panic(fmt.Sprintf("replication: prefab %q registered twice", name))
	}
	p.byName[name] = fn
}

func (p *PrefabRegistry) Lookup(name string) (PrefabFunc, bool) {
	fn, ok := p.byName[name]
	return fn, ok
}
