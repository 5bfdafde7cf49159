package sv

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
)

func testRefs(t *testing.T) (*sam.Reference, *sam.Reference) {
	chr1, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	// A Reference only gets a stable ID once it's attached to a Header.
	_, err = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	assert.NoError(t, err)
	return chr1, chr2
}

func TestRawFlagUnmappedAndMateUnmapped(t *testing.T) {
	chr1, _ := testRefs(t)
	r := &sam.Record{Ref: chr1, MateRef: chr1, Flags: sam.Unmapped}
	assert.Equal(t, UNMAPPED, rawFlag(r))

	r2 := &sam.Record{Ref: chr1, MateRef: chr1, Flags: sam.MateUnmapped}
	assert.Equal(t, MATE_UNMAPPED, rawFlag(r2))
}

func TestRawFlagCrossChromosomeIsCTX(t *testing.T) {
	chr1, chr2 := testRefs(t)
	r := &sam.Record{Ref: chr1, MateRef: chr2, Pos: 10, MatePos: 20}
	assert.Equal(t, ARP_CTX, rawFlag(r))
}

func TestRawFlagOrientationsBySelfLeftOrRight(t *testing.T) {
	chr1, _ := testRefs(t)

	// Self is the left mate (lower Pos), self forward, mate reverse: FR.
	fr := &sam.Record{Ref: chr1, MateRef: chr1, Pos: 100, MatePos: 200, Flags: sam.MateReverse}
	assert.Equal(t, NORMAL_FR, rawFlag(fr))

	// Self is the left mate, self reverse, mate forward: RF.
	rf := &sam.Record{Ref: chr1, MateRef: chr1, Pos: 100, MatePos: 200, Flags: sam.Reverse}
	assert.Equal(t, NORMAL_RF, rawFlag(rf))

	// Self is the right mate (higher Pos) and forward; the left mate (the
	// mate) is reverse per MateReverse: left-reverse/right-forward is RF.
	rightFwd := &sam.Record{Ref: chr1, MateRef: chr1, Pos: 200, MatePos: 100, Flags: sam.MateReverse}
	assert.Equal(t, NORMAL_RF, rawFlag(rightFwd))
}

func TestRawFlagBothForwardIsFF(t *testing.T) {
	chr1, _ := testRefs(t)
	r := &sam.Record{Ref: chr1, MateRef: chr1, Pos: 100, MatePos: 200, Flags: 0}
	// self fwd (no Reverse bit), mate fwd (no MateReverse bit) -> FF.
	assert.Equal(t, ARP_FF, rawFlag(r))
}

func TestRawFlagBothReverseIsRR(t *testing.T) {
	chr1, _ := testRefs(t)
	r := &sam.Record{Ref: chr1, MateRef: chr1, Pos: 100, MatePos: 200, Flags: sam.Reverse | sam.MateReverse}
	assert.Equal(t, ARP_RR, rawFlag(r))
}

func TestNewReadResolvesFieldsFromRecord(t *testing.T) {
	chr1, chr2 := testRefs(t)
	r := &sam.Record{
		Name:    "readA",
		Ref:     chr1,
		Pos:     150,
		MateRef: chr2,
		MatePos: 300,
		MapQ:    40,
		TempLen: 500,
		Flags:   sam.MateReverse,
		Seq:     sam.NybbleSeq{Length: 101},
	}
	read := newRead(r, "RG1", "libA", 3)

	assert.Equal(t, "readA", read.Name)
	assert.Equal(t, chr1.ID(), read.TID)
	assert.Equal(t, 150, read.Pos)
	assert.Equal(t, chr2.ID(), read.MateTID)
	assert.Equal(t, 300, read.MatePos)
	assert.Equal(t, 40, read.MapQ)
	assert.Equal(t, 500, read.ISize)
	assert.Equal(t, 101, read.ReadLen)
	assert.Equal(t, "RG1", read.ReadGroup)
	assert.Equal(t, "libA", read.Library)
	assert.Equal(t, 3, read.LibIndex)
	assert.Equal(t, OrientFwd, read.Orient)
	assert.Equal(t, OrientRev, read.MateOrient)
	assert.Equal(t, ARP_CTX, read.Flag)
}

func TestParseFlagRoundTripsString(t *testing.T) {
	f, ok := ParseFlag("ARP_FR_big_insert")
	assert.True(t, ok)
	assert.Equal(t, ARP_FR_big_insert, f)

	_, ok = ParseFlag("NOT_A_REAL_FLAG")
	assert.False(t, ok)
}

func TestFlagIsARPAndIsNormal(t *testing.T) {
	assert.True(t, ARP_CTX.IsARP())
	assert.False(t, NORMAL_FR.IsARP())
	assert.True(t, NORMAL_RF.IsNormal())
	assert.False(t, ARP_FF.IsNormal())
}
