package sv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newCompiler(store *Store, opts *Options) *evidenceCompiler {
	libs := NewLibraryConfigSet()
	libs.AddLibrary(LibraryConfig{Name: "lib1", Mean: 500})
	return &evidenceCompiler{store: store, libs: libs, opts: opts, dens: newDensityTable()}
}

func TestNameTallyCountsAcrossShards(t *testing.T) {
	tally := newNameTally()
	assert.Equal(t, 1, tally.incr("r1"))
	assert.Equal(t, 2, tally.incr("r1"))
	assert.Equal(t, 2, tally.count("r1"))
	assert.Equal(t, 0, tally.count("unseen"))
}

func TestCompileEmitsSingleRegionRecordWithPaddedBreakpoint(t *testing.T) {
	reads := []*Read{
		{Name: "p1", Flag: ARP_FR_big_insert, ISize: 1000, LibIndex: 0, Orient: OrientFwd},
		{Name: "p1", Flag: ARP_FR_big_insert, ISize: 1000, LibIndex: 0, Orient: OrientRev},
		{Name: "p2", Flag: ARP_FR_big_insert, ISize: 1200, LibIndex: 0, Orient: OrientFwd},
		{Name: "p2", Flag: ARP_FR_big_insert, ISize: 1200, LibIndex: 0, Orient: OrientRev},
	}
	store := NewStore()
	region := store.Register(0, 100, 200, 10, reads)
	region.MaxReadLen = 100

	opts := DefaultOptions
	compiler := newCompiler(store, &opts)

	rec, touched := compiler.Compile([]int{region.ID})
	assert.NotNil(t, rec)
	assert.Equal(t, []int{region.ID}, touched)

	assert.Equal(t, ARP_FR_big_insert, rec.Flag)
	assert.Equal(t, 2, rec.NumPairs)
	assert.Equal(t, 0, rec.TID1)
	assert.Equal(t, 195, rec.Pos1) // begin(100) + maxReadLen(100) - 5, still short of Pos2(200)
	assert.Equal(t, 200, rec.Pos2)
	assert.Equal(t, 2, rec.FwdCount1)
	assert.Equal(t, 2, rec.RevCount1)
	assert.Equal(t, 600, rec.DiffSpan)
	assert.Equal(t, 101, rec.TotalRegionSize)
	assert.Equal(t, 0, store.NumReads(region.ID))
}

func TestCompileReturnsNilBelowMinReadPairButStillTouches(t *testing.T) {
	reads := []*Read{
		{Name: "p1", Flag: ARP_FR_big_insert, ISize: 1000, LibIndex: 0},
		{Name: "p1", Flag: ARP_FR_big_insert, ISize: 1000, LibIndex: 0},
		{Name: "p2", Flag: ARP_FR_big_insert, ISize: 1200, LibIndex: 0},
		{Name: "p2", Flag: ARP_FR_big_insert, ISize: 1200, LibIndex: 0},
	}
	store := NewStore()
	region := store.Register(0, 100, 200, 0, reads)

	opts := DefaultOptions
	opts.MinReadPair = 5
	compiler := newCompiler(store, &opts)

	rec, touched := compiler.Compile([]int{region.ID})
	assert.Nil(t, rec)
	assert.Equal(t, []int{region.ID}, touched)
	// Observed reads are still removed from the region regardless of
	// whether a call is ultimately emitted.
	assert.Equal(t, 0, store.NumReads(region.ID))
}

func TestCompileJoinsTwoRegionsAcrossABreakpoint(t *testing.T) {
	readsA := []*Read{
		{Name: "p1", Flag: ARP_CTX, ISize: 0, LibIndex: 0, Orient: OrientFwd},
		{Name: "p2", Flag: ARP_CTX, ISize: 0, LibIndex: 0, Orient: OrientFwd},
	}
	readsB := []*Read{
		{Name: "p1", Flag: ARP_CTX, ISize: 0, LibIndex: 0, Orient: OrientRev},
		{Name: "p2", Flag: ARP_CTX, ISize: 0, LibIndex: 0, Orient: OrientRev},
	}
	store := NewStore()
	a := store.Register(0, 100, 150, 0, readsA)
	b := store.Register(1, 5000, 5050, 0, readsB)

	opts := DefaultOptions
	compiler := newCompiler(store, &opts)

	rec, touched := compiler.Compile([]int{a.ID, b.ID})
	assert.NotNil(t, rec)
	assert.ElementsMatch(t, []int{a.ID, b.ID}, touched)
	assert.Equal(t, ARP_CTX, rec.Flag)
	assert.Equal(t, 0, rec.TID1)
	assert.Equal(t, 145, rec.Pos1) // region A's Last(150), padded by maxReadLen(0)-5
	assert.Equal(t, 1, rec.TID2)
	assert.Equal(t, 5000, rec.Pos2)
	assert.Equal(t, 2, rec.FwdCount1)
	assert.Equal(t, 2, rec.RevCount2)
}
