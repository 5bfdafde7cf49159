package sv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegionSpan(t *testing.T) {
	r := &Region{Begin: 100, Last: 199}
	assert.Equal(t, 100, r.Span())
}

func TestRegionLiveReadsFiltersConsumed(t *testing.T) {
	r := &Region{Reads: []*Read{{Name: "a"}, nil, {Name: "b"}}}
	live := r.liveReads()
	assert.Equal(t, 2, len(live))
}

func TestRegionRemoveByNameDropsMatchingReads(t *testing.T) {
	r := &Region{Reads: []*Read{{Name: "a"}, {Name: "b"}, {Name: "a"}}}
	remaining := r.removeByName(map[string]bool{"a": true})
	assert.Equal(t, 1, remaining)
	assert.Equal(t, "b", r.Reads[0].Name)
}

func TestRegionBuilderResetClearsState(t *testing.T) {
	var b regionBuilder
	b.append(&Read{TID: 0, Pos: 10, ReadLen: 50}, true)
	b.reset(1, 500)
	assert.Equal(t, 1, b.startTID)
	assert.Equal(t, 500, b.startPos)
	assert.Equal(t, 0, len(b.reads))
	assert.False(t, b.collectingNormal)
}

func TestRegionBuilderDoBreakOnChromosomeChange(t *testing.T) {
	var b regionBuilder
	b.reset(0, 100)
	assert.True(t, b.doBreak(1, 100, 1000))
}

func TestRegionBuilderDoBreakOnWindowOverflow(t *testing.T) {
	var b regionBuilder
	b.reset(0, 100)
	b.endTID, b.endPos = 0, 100
	assert.True(t, b.doBreak(0, 2000, 500))
	assert.False(t, b.doBreak(0, 400, 500))
}

func TestRegionBuilderAppendTracksBoundsAndCoverage(t *testing.T) {
	var b regionBuilder
	b.reset(0, 100)
	b.append(&Read{TID: 0, Pos: 100, ReadLen: 100}, true)
	b.append(&Read{TID: 0, Pos: 300, ReadLen: 100}, false)

	assert.Equal(t, 300, b.endPos)
	assert.Equal(t, 100, b.maxReadLen)
	assert.Equal(t, 200, b.totalNucleotides)
	assert.True(t, b.seqCoverage() > 0)
}

func TestRegionBuilderSeqCoverageHandlesDegenerateSpan(t *testing.T) {
	var b regionBuilder
	b.reset(0, 100)
	assert.Equal(t, 0.0, b.seqCoverage())
}
