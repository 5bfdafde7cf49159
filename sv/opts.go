package sv

// Options collects the global, run-wide knobs of the breakpoint engine. The
// names track the historical BreakDancer command-line flags; see the
// per-field comment for the flag each maps to in cmd/bio-sv.
type Options struct {
	// MinMapQual is the global mapq floor (-q).
	MinMapQual int
	// MaxSD is the maximum |isize| tolerated for non-CTX reads (-s, "max
	// S.D.").
	MaxSD int
	// MinLen is the minimum region span required to register a region
	// (-l).
	MinLen int
	// SeqCoverageLim is the maximum per-region sequencing coverage
	// tolerated before the region is discarded as a high-coverage artifact
	// (-c).
	SeqCoverageLim float64
	// BufferSize is the number of registered regions that triggers a graph
	// flush (-o, historically named for the "chromosome" buffer).
	BufferSize int
	// MinReadPair is the minimum edge weight / observed pair count for a
	// node-set to be considered (-r).
	MinReadPair int
	// TranschrRearrange keeps only ARP_CTX reads when set (-t).
	TranschrRearrange bool
	// LongInsert toggles the RF-concordant (long-insert) model in place of
	// the default FR-concordant (short-insert) model (-long-insert; the
	// original's -l, renamed here to avoid colliding with MinLen's -l).
	LongInsert bool
	// CNLib selects the copy-number/read-count grouping: true groups by
	// library, false groups by source-file tag (-y, named for its values 0
	// and 1 in the original flag).
	CNLib bool
	// Fisher enables Fisher's method combination across libraries (-f).
	Fisher bool
	// ScoreThreshold is the minimum PhredQ required to emit a call
	// (-score-threshold; named score_threshold in the original).
	ScoreThreshold int
	// PrintAF appends the allele-frequency column to emitted records (-a).
	PrintAF bool
	// PrefixFastq is the directory prefix for supporting-read FASTQ
	// output; empty disables it (-d).
	PrefixFastq string
	// DumpBED is the BED output filename; empty disables it (-g).
	DumpBED string
	// SVType maps a dominant Flag to its human-readable label in output.
	// A flag missing from this map renders as "UN".
	SVType map[Flag]string
	// MaxReadWindowSize bounds the genomic span of an open region (see
	// do_break in C2); derived from the library insert-size table by the
	// configuration collaborator, but exposed here as a plain option since
	// this engine does not perform that derivation itself.
	MaxReadWindowSize int
}

// DefaultSVType is the flag -> human label table the original BreakDancer
// ships with. A flag not present renders as "UN" in output.
var DefaultSVType = map[Flag]string{
	ARP_FR_big_insert:   "DEL",
	ARP_FR_small_insert: "INS",
	ARP_RF:              "INV",
	ARP_FF:              "ITX",
	ARP_CTX:             "CTX",
}

// DefaultOptions mirrors the original tool's documented defaults.
var DefaultOptions = Options{
	MinMapQual:        35,
	MaxSD:             1e8,
	MinLen:            7,
	SeqCoverageLim:    1000,
	BufferSize:        100,
	MinReadPair:       2,
	TranschrRearrange: false,
	LongInsert:        false,
	CNLib:             true,
	Fisher:            false,
	ScoreThreshold:    10,
	PrintAF:           false,
	PrefixFastq:       "",
	DumpBED:           "",
	SVType:            DefaultSVType,
	MaxReadWindowSize: 1e7,
}

// svTypeLabel returns the human label for flag, defaulting to "UN".
func (o *Options) svTypeLabel(flag Flag) string {
	if label, ok := o.SVType[flag]; ok {
		return label
	}
	return "UN"
}
