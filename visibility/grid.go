package visibility

import (
	"math"

	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// DefaultCellSize is the grid cell edge in world units.
const DefaultCellSize = 10.0

type cellKey struct {
	X, Y int
}

// Grid hashes tracked identities into square cells for cheap range
// queries. One instance lives on the server and is updated from entity
// positions before the interest policy runs.
type Grid struct {
	cellSize float64
	cells    map[cellKey]map[netid.ID]struct{}
	where    map[netid.ID]cellKey
}

func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[netid.ID]struct{}),
		where:    make(map[netid.ID]cellKey),
	}
}

func (g *Grid) cellAt(x, y float64) cellKey {
	return cellKey{
		X: int(math.Floor(x / g.cellSize)),
		Y: int(math.Floor(y / g.cellSize)),
	}
}

// Update moves id to the cell containing (x, y).
func (g *Grid) Update(id netid.ID, x, y float64) {
	next := g.cellAt(x, y)
	prev, tracked := g.where[id]
	if tracked && prev == next {
		return
	}
	if tracked {
		g.removeFromCell(id, prev)
	}
	bucket, ok := g.cells[next]
	if !ok {
		bucket = make(map[netid.ID]struct{})
		g.cells[next] = bucket
	}
	bucket[id] = struct{}{}
	g.where[id] = next
}

// Remove forgets id entirely.
func (g *Grid) Remove(id netid.ID) {
	prev, tracked := g.where[id]
	if !tracked {
		return
	}
	g.removeFromCell(id, prev)
	delete(g.where, id)
}

func (g *Grid) removeFromCell(id netid.ID, key cellKey) {
	bucket, ok := g.cells[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(g.cells, key)
	}
}

// Nearby visits every identity within rangeCells cells of (x, y).
func (g *Grid) Nearby(x, y float64, rangeCells int, fn func(netid.ID)) {
	if rangeCells < 0 {
		rangeCells = 0
	}
	center := g.cellAt(x, y)
	for cx := center.X - rangeCells; cx <= center.X+rangeCells; cx++ {
		for cy := center.Y - rangeCells; cy <= center.Y+rangeCells; cy++ {
			bucket, ok := g.cells[cellKey{X: cx, Y: cy}]
			if !ok {
				continue
			}
			for id := range bucket {
				fn(id)
			}
		}
	}
}

func (g *Grid) Len() int {
	return len(g.where)
}

// Viewer is one connection's point of interest.
type Viewer struct {
	Conn  wire.ConnID
	X, Y  float64
	Range int
}

// Policy computes observer sets from viewer positions. Identities marked
// global are visible to every viewer regardless of distance.
type Policy struct {
	grid   *Grid
	global map[netid.ID]struct{}
	seen   map[wire.ConnID]map[netid.ID]struct{}
}

func NewPolicy(cellSize float64) *Policy {
	return &Policy{
		grid:   NewGrid(cellSize),
		global: make(map[netid.ID]struct{}),
		seen:   make(map[wire.ConnID]map[netid.ID]struct{}),
	}
}

// Track records the replicated position of id.
func (p *Policy) Track(id netid.ID, x, y float64) {
	p.grid.Update(id, x, y)
}

// Untrack forgets id on despawn.
func (p *Policy) Untrack(id netid.ID) {
	p.grid.Remove(id)
	delete(p.global, id)
}

// SetGlobal marks id visible to every viewer.
func (p *Policy) SetGlobal(id netid.ID, on bool) {
	if on {
		p.global[id] = struct{}{}
	} else {
		delete(p.global, id)
	}
}

// DropConnection forgets a disconnected viewer.
func (p *Policy) DropConnection(conn wire.ConnID) {
	delete(p.seen, conn)
}

// Apply recomputes every viewer's visible set and pushes the adds and
// removes into the manager. Must run before replication serialization.
func (p *Policy) Apply(m *Manager, viewers []Viewer) {
	for _, viewer := range viewers {
		visible := make(map[netid.ID]struct{}, len(p.global)+8)
		for id := range p.global {
			visible[id] = struct{}{}
		}
		p.grid.Nearby(viewer.X, viewer.Y, viewer.Range, func(id netid.ID) {
			visible[id] = struct{}{}
		})

		previous := p.seen[viewer.Conn]
		for id := range visible {
			if _, had := previous[id]; !had {
				m.AddObserver(id, viewer.Conn)
			}
		}
		for id := range previous {
			if _, has := visible[id]; !has {
				m.RemoveObserver(id, viewer.Conn)
			}
		}
		p.seen[viewer.Conn] = visible
	}
}
