package grid

import "fmt"

// ChunkID names a tile of the output mesh. Gen increases monotonically in
// the order chunks are first encountered; Coords give the tile's position in
// the chunk lattice. Because buckets are visited in a deterministic order,
// the coords to generation mapping is stable across runs.
type ChunkID struct {
	Gen    uint32
	Coords [3]int64
}

// Less orders chunk IDs by generation number.
func (c ChunkID) Less(o ChunkID) bool { return c.Gen < o.Gen }

func (c ChunkID) String() string {
	return fmt.Sprintf("%04d_%04d_%04d", c.Coords[0], c.Coords[1], c.Coords[2])
}

// ChunkMap assigns generation numbers to chunk coordinates in
// first-encounter order.
type ChunkMap struct {
	gens map[[3]int64]uint32
	next uint32
}

// NewChunkMap returns an empty chunk map.
func NewChunkMap() *ChunkMap {
	return &ChunkMap{gens: make(map[[3]int64]uint32)}
}

// Get returns the chunk ID for the given coordinates, assigning the next
// generation number on first encounter.
func (m *ChunkMap) Get(coords [3]int64) ChunkID {
	gen, ok := m.gens[coords]
	if !ok {
		gen = m.next
		m.gens[coords] = gen
		m.next++
	}
	return ChunkID{Gen: gen, Coords: coords}
}

// Len returns the number of distinct chunks seen.
func (m *ChunkMap) Len() int { return len(m.gens) }
