package sv

import (
	"github.com/biogo/hts/sam"
)

// Flag is the pair-orientation tag assigned to a Read. It classifies a
// discordant (or concordant) read pair by the anomaly it represents, not by
// the raw alignment bits of either mate.
type Flag int

const (
	// NA means no orientation flag could be assigned; the read is dropped.
	NA Flag = iota
	// NORMAL_FR is a concordant forward/reverse pair under the short-insert
	// model.
	NORMAL_FR
	// NORMAL_RF is a concordant reverse/forward pair under the long-insert
	// model.
	NORMAL_RF
	// ARP_FR_big_insert is an FR pair whose insert size is too large to be
	// concordant.
	ARP_FR_big_insert
	// ARP_FR_small_insert is an FR pair whose insert size is too small to be
	// concordant.
	ARP_FR_small_insert
	// ARP_RF is an anomalous reverse/forward pair.
	ARP_RF
	// ARP_FF is an anomalous same-strand pair (ARP_RR is folded into this).
	ARP_FF
	// ARP_RR is an anomalous same-strand (reverse/reverse) pair. It never
	// survives past classification: it is always folded into ARP_FF.
	ARP_RR
	// ARP_CTX is an inter-chromosomal pair.
	ARP_CTX
	// MATE_UNMAPPED means the mate did not align.
	MATE_UNMAPPED
	// UNMAPPED means the read itself did not align.
	UNMAPPED
)

var flagNames = [...]string{
	"NA",
	"NORMAL_FR",
	"NORMAL_RF",
	"ARP_FR_big_insert",
	"ARP_FR_small_insert",
	"ARP_RF",
	"ARP_FF",
	"ARP_RR",
	"ARP_CTX",
	"MATE_UNMAPPED",
	"UNMAPPED",
}

// String renders the flag the way diagnostics and the sptype/output code
// expect to see it.
func (f Flag) String() string {
	if int(f) < 0 || int(f) >= len(flagNames) {
		return "NA"
	}
	return flagNames[f]
}

// ParseFlag looks up a Flag by its String() spelling, for the configuration
// collaborator's genome-wide flag distribution fields.
func ParseFlag(name string) (Flag, bool) {
	for i, n := range flagNames {
		if n == name {
			return Flag(i), true
		}
	}
	return NA, false
}

// IsARP reports whether f is one of the discordant (anomalous read pair)
// categories that enters a region buffer.
func (f Flag) IsARP() bool {
	switch f {
	case ARP_FR_big_insert, ARP_FR_small_insert, ARP_RF, ARP_FF, ARP_RR, ARP_CTX:
		return true
	default:
		return false
	}
}

// IsNormal reports whether f is one of the concordant background categories.
func (f Flag) IsNormal() bool {
	return f == NORMAL_FR || f == NORMAL_RF
}

// scoredFlags enumerates, in a fixed order, the flags C5 considers when
// picking the dominant flag of a node-set. The order breaks ties.
var scoredFlags = [...]Flag{
	ARP_FR_big_insert, ARP_FR_small_insert, ARP_RF, ARP_FF, ARP_CTX,
}

// Orientation is the strand orientation of a single mate.
type Orientation uint8

const (
	// OrientFwd means the read aligns to the forward strand.
	OrientFwd Orientation = iota
	// OrientRev means the read aligns to the reverse strand.
	OrientRev
)

// Read is an alignment record as seen by the engine: the fields of the
// underlying sam.Record that classification, region accumulation, and
// evidence compilation need, resolved once at ingestion time so that the
// hot path never re-derives them from flag bits.
type Read struct {
	Record *sam.Record

	Name string

	TID int
	Pos int
	Orient Orientation

	MateTID int
	MatePos int
	MateOrient Orientation

	ISize int
	MapQ  int

	ReadLen int

	ReadGroup string
	// Library is the resolved library name (LibraryConfig.Name), not the raw
	// SAM read-group tag: a library may span several read groups, so the two
	// can differ.
	Library  string
	LibIndex int

	// Flag is the pair-orientation classification, set by C1 and possibly
	// refined by library/option-dependent rules. It starts out as whatever
	// the ingestion step derives from the raw alignment bits.
	Flag Flag

	// regionID is the id of the region that currently owns this read, or -1
	// if unowned. It is a weak back-reference resolved by lookup into the
	// store, per the id-based graph design.
	regionID int
}

// rawFlag derives the initial pair-orientation flag from a sam.Record's
// alignment bits, before any library-cutoff-driven reclassification. This
// mirrors the aligner-assigned flag that BreakDancer's Read constructor
// computes from the BAM flag field.
func rawFlag(r *sam.Record) Flag {
	if r.Flags&sam.Unmapped != 0 {
		return UNMAPPED
	}
	if r.Flags&sam.MateUnmapped != 0 {
		return MATE_UNMAPPED
	}
	if r.Ref == nil || r.MateRef == nil {
		return NA
	}
	if r.Ref.ID() != r.MateRef.ID() {
		return ARP_CTX
	}

	fwd := r.Flags&sam.Reverse == 0
	mateFwd := r.Flags&sam.MateReverse == 0

	// Orient the pair by genomic order of the two mates so that "FR" means
	// the left-hand mate points right and the right-hand mate points left.
	selfIsLeft := r.Pos <= r.MatePos
	var leftFwd, rightFwd bool
	if selfIsLeft {
		leftFwd, rightFwd = fwd, mateFwd
	} else {
		leftFwd, rightFwd = mateFwd, fwd
	}

	switch {
	case leftFwd && !rightFwd:
		return NORMAL_FR
	case !leftFwd && rightFwd:
		return NORMAL_RF
	case leftFwd && rightFwd:
		return ARP_FF
	default:
		return ARP_RR
	}
}

// newRead builds a Read from a sam.Record and the read-group -> library
// resolution already performed by the caller (C7). library is the resolved
// LibraryConfig.Name, not the raw readGroup tag.
func newRead(r *sam.Record, readGroup, library string, libIndex int) *Read {
	orient := OrientFwd
	if r.Flags&sam.Reverse != 0 {
		orient = OrientRev
	}
	mateOrient := OrientFwd
	if r.Flags&sam.MateReverse != 0 {
		mateOrient = OrientRev
	}
	mateTID := -1
	if r.MateRef != nil {
		mateTID = r.MateRef.ID()
	}
	tid := -1
	if r.Ref != nil {
		tid = r.Ref.ID()
	}
	return &Read{
		Record:     r,
		Name:       r.Name,
		TID:        tid,
		Pos:        r.Pos,
		Orient:     orient,
		MateTID:    mateTID,
		MatePos:    r.MatePos,
		MateOrient: mateOrient,
		ISize:      r.TempLen,
		MapQ:       int(r.MapQ),
		ReadLen:    r.Seq.Length,
		ReadGroup:  readGroup,
		Library:    library,
		LibIndex:   libIndex,
		Flag:       rawFlag(r),
		regionID:   -1,
	}
}
