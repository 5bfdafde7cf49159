package sv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tworeads(tid, pos int) []*Read {
	return []*Read{
		{TID: tid, Pos: pos, Name: "r1", ReadLen: 100},
		{TID: tid, Pos: pos, Name: "r2", ReadLen: 100},
	}
}

func TestBuildConnectionsVisitsQualifyingEdgeOnce(t *testing.T) {
	store := NewStore()
	a := store.Register(0, 100, 150, 0, tworeads(0, 100))
	store.AccumulateEdge(a.ID)
	store.AccumulateEdge(a.ID)
	store.AccumulateEdge(a.ID)
	b := store.Register(0, 500, 550, 0, tworeads(0, 500))
	assert.Equal(t, 3, store.EdgeWeight(a.ID, b.ID))

	opts := DefaultOptions
	opts.MinReadPair = 2

	var visited [][]int
	BuildConnections(store, &opts, func(snodes []int) []int {
		visited = append(visited, snodes)
		return snodes
	})

	assert.Equal(t, 1, len(visited))
	assert.ElementsMatch(t, []int{a.ID, b.ID}, visited[0])
	assert.Equal(t, 0, store.EdgeWeight(a.ID, b.ID))
	// Both regions still carry 2 reads >= MinReadPair, so neither is erased.
	assert.True(t, store.RegionExists(a.ID))
	assert.True(t, store.RegionExists(b.ID))
}

func TestBuildConnectionsSkipsEdgeBelowMinReadPair(t *testing.T) {
	store := NewStore()
	a := store.Register(0, 100, 150, 0, tworeads(0, 100))
	store.AccumulateEdge(a.ID)
	b := store.Register(0, 500, 550, 0, tworeads(0, 500))

	opts := DefaultOptions
	opts.MinReadPair = 5

	var visited int
	BuildConnections(store, &opts, func(snodes []int) []int {
		visited++
		return nil
	})

	assert.Equal(t, 0, visited)
	assert.Equal(t, 0, store.EdgeWeight(a.ID, b.ID))
}

func TestBuildConnectionsErasesTouchedRegionLeftWithTooFewReads(t *testing.T) {
	store := NewStore()
	a := store.Register(0, 100, 150, 0, tworeads(0, 100))
	store.AccumulateEdge(a.ID)
	store.AccumulateEdge(a.ID)
	b := store.Register(0, 500, 550, 0, tworeads(0, 500))

	opts := DefaultOptions
	opts.MinReadPair = 2

	BuildConnections(store, &opts, func(snodes []int) []int {
		// Evidence consumes every read from the touched regions, as C5 does
		// when it folds a node-set's reads into a call.
		for _, id := range snodes {
			if r := store.Region(id); r != nil {
				r.Reads = nil
			}
		}
		return snodes
	})

	assert.False(t, store.RegionExists(a.ID))
	assert.False(t, store.RegionExists(b.ID))
}
