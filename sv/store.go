package sv

import (
	"github.com/biogo/store/llrb"
	farm "github.com/dgryski/go-farm"
)

// mateKey is an llrb.Comparable keyed by (tid, pos), used by the store to
// resolve a discordant read's mate coordinate back to the region id that
// owns it, the same Floor-free exact-match idiom
// encoding/bampair.ShardInfo's byKey tree applies with Floor for shard
// resolution.
type mateKey struct {
	tid, pos int
	regionID int
}

// Compare implements llrb.Comparable.
func (k mateKey) Compare(c llrb.Comparable) int {
	o := c.(mateKey)
	if d := k.tid - o.tid; d != 0 {
		return d
	}
	return k.pos - o.pos
}

// bucketOf distributes mateKey lookups across the reverse index's
// secondary sharding, mirroring the role farm.Hash64WithSeed plays
// sharding kmers in the fusion package; here it buckets the llrb trees so
// that no single tree grows unbounded across a whole chromosome.
const mateKeyBuckets = 64

func bucketOf(tid, pos int) int {
	return int(farm.Hash64WithSeed(posKeyBytes(tid, pos), 0) % mateKeyBuckets)
}

func posKeyBytes(tid, pos int) []byte {
	var b [16]byte
	putInt(b[0:8], tid)
	putInt(b[8:16], pos)
	return b[:]
}

func putInt(b []byte, v int) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// Store is the region-graph store (C3): regions keyed by monotonic id, an
// undirected multigraph of mate-pair link counts between region ids, and a
// reverse coordinate index used to resolve a discordant read's mate
// position to the region that owns it.
type Store struct {
	regions map[int]*Region
	nextID  int

	// graph[u][v] is the edge weight between regions u and v. Both
	// directions are maintained explicitly.
	graph map[int]map[int]int

	// reverse is a bucketed set of llrb trees mapping (tid,pos) -> region
	// id, populated as regions are registered.
	reverse [mateKeyBuckets]llrb.Tree

	// pending is the scratch accumulator of "current open region" ->
	// registered neighbor id edge counts, folded into graph (or merged
	// into the previous region) at flush time.
	pending map[int]int

	// lastRegistered is the id of the most recently registered region, or
	// -1 if none yet. Discarded regions fold their edges into this one.
	lastRegistered int

	bufferSize int
}

// NewStore creates an empty region-graph store.
func NewStore() *Store {
	return &Store{
		regions:        map[int]*Region{},
		graph:          map[int]map[int]int{},
		pending:        map[int]int{},
		lastRegistered: -1,
	}
}

// ResetScratch clears the pending edge accumulator, per C2's do_break reset
// step ("clear ... the graph's scratch accumulators").
func (s *Store) ResetScratch() {
	s.pending = map[int]int{}
}

// AccumulateEdge records one mate-pair link from the region currently being
// assembled to the already-registered region m, per §4.3's edge
// accumulation rule.
func (s *Store) AccumulateEdge(m int) {
	s.pending[m]++
}

// ResolveMate looks up the region id owning a discordant read at (tid,
// pos), if any is registered there.
func (s *Store) ResolveMate(tid, pos int) (int, bool) {
	b := bucketOf(tid, pos)
	c := s.reverse[b].Get(mateKey{tid: tid, pos: pos})
	if c == nil {
		return 0, false
	}
	return c.(mateKey).regionID, true
}

// indexReads inserts every read of a newly registered region into the
// reverse coordinate index.
func (s *Store) indexReads(id int, reads []*Read) {
	for _, r := range reads {
		b := bucketOf(r.TID, r.Pos)
		s.reverse[b].Insert(mateKey{tid: r.TID, pos: r.Pos, regionID: id})
	}
}

// unindexReads removes a region's reads from the reverse coordinate index.
// Called when a region is finally erased by C4's cleanup pass.
func (s *Store) unindexReads(reads []*Read) {
	for _, r := range reads {
		if r == nil {
			continue
		}
		b := bucketOf(r.TID, r.Pos)
		s.reverse[b].Delete(mateKey{tid: r.TID, pos: r.Pos})
	}
}

// Register assigns the next monotonic id to a newly-qualified region,
// takes ownership of its reads, folds the pending edge scratch into the
// graph, and returns the new region. Ids are never reused, even across
// Discard/Erase.
func (s *Store) Register(tid, begin, last, nnormal int, reads []*Read) *Region {
	id := s.nextID
	s.nextID++
	region := &Region{ID: id, TID: tid, Begin: begin, Last: last, NNormalReads: nnormal, Reads: reads}
	for _, r := range reads {
		r.regionID = id
	}
	s.regions[id] = region
	s.indexReads(id, reads)
	s.foldPendingInto(id)
	s.lastRegistered = id
	s.bufferSize++
	return region
}

// Discard merges a coverage-filtered region's pending edges into the
// previous registered region's graph entry (left-fold associativity, per
// DESIGN.md's resolution of spec's open question (ii)), and releases its
// reads without registering them.
func (s *Store) Discard() {
	if s.lastRegistered < 0 {
		s.ResetScratch()
		return
	}
	s.foldPendingInto(s.lastRegistered)
}

// foldPendingInto adds the scratch accumulator's counts as edges incident
// to id, then clears the scratch.
func (s *Store) foldPendingInto(id int) {
	for neighbor, weight := range s.pending {
		if weight <= 0 {
			continue
		}
		s.addEdge(id, neighbor, weight)
	}
	s.ResetScratch()
}

// addEdge increments the symmetric edge weight between u and v by delta,
// creating adjacency entries as needed. Self-loops (u==v) are permitted.
func (s *Store) addEdge(u, v, delta int) {
	s.ensureAdj(u)[v] += delta
	if u != v {
		s.ensureAdj(v)[u] += delta
	}
}

func (s *Store) ensureAdj(u int) map[int]int {
	m := s.graph[u]
	if m == nil {
		m = map[int]int{}
		s.graph[u] = m
	}
	return m
}

// BufferSize returns the number of regions registered since the last
// reset, i.e. since the last flush of the connection builder.
func (s *Store) BufferSize() int { return s.bufferSize }

// ResetBufferSize zeroes the flush counter.
func (s *Store) ResetBufferSize() { s.bufferSize = 0 }

// RegionExists reports whether id still names a live region.
func (s *Store) RegionExists(id int) bool {
	_, ok := s.regions[id]
	return ok
}

// Region returns the region for id, or nil if it doesn't exist.
func (s *Store) Region(id int) *Region { return s.regions[id] }

// EraseRegion removes a region entirely: its reads are unindexed and the
// region is dropped from the id table. The caller (C4's cleanup pass) must
// have already removed it from the graph.
func (s *Store) EraseRegion(id int) {
	r := s.regions[id]
	if r == nil {
		return
	}
	s.unindexReads(r.Reads)
	delete(s.regions, id)
}

// Graph exposes the adjacency map for C4's destructive traversal. C4 is
// trusted to mutate it only through RemoveEdge/entries it owns while
// iterating, per the "visit by consuming" discipline.
func (s *Store) Graph() map[int]map[int]int { return s.graph }

// EdgeWeight returns the live weight of edge (u,v), or 0 if absent.
func (s *Store) EdgeWeight(u, v int) int {
	m := s.graph[u]
	if m == nil {
		return 0
	}
	return m[v]
}

// RemoveEdge deletes edge u->v (and, unless u==v, v->u) from the graph.
func (s *Store) RemoveEdge(u, v int) {
	if m := s.graph[u]; m != nil {
		delete(m, v)
		if len(m) == 0 {
			delete(s.graph, u)
		}
	}
	if u == v {
		return
	}
	if m := s.graph[v]; m != nil {
		delete(m, u)
		if len(m) == 0 {
			delete(s.graph, v)
		}
	}
}

// RemoveNode deletes u's adjacency entry entirely (after its edges have
// all been consumed by the traversal).
func (s *Store) RemoveNode(u int) {
	delete(s.graph, u)
}

// NumReads returns the number of reads still owned by region id.
func (s *Store) NumReads(id int) int {
	r := s.regions[id]
	if r == nil {
		return 0
	}
	n := 0
	for _, rd := range r.Reads {
		if rd != nil {
			n++
		}
	}
	return n
}

// Empty reports whether the store holds no regions and no graph entries,
// the postcondition run() must leave it in (spec §8's invariant).
func (s *Store) Empty() bool {
	return len(s.regions) == 0 && len(s.graph) == 0
}
