package sv

import (
	"math"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
)

// Record is the output of the SV evidence compiler (C5): a single candidate
// structural variant call, with just enough information for score.go and
// the TSV/BED/FASTQ sinks to render it.
type Record struct {
	Flag Flag

	TID1, Pos1 int
	TID2, Pos2 int
	FwdCount1, RevCount1 int
	FwdCount2, RevCount2 int

	DiffSpan int
	NumPairs int

	// PerKey is keyed by library name (CNLib=true) or source-file tag
	// (CNLib=false): number of observed pairs attributed to that key.
	PerKey map[string]int
	// CopyNumber mirrors PerKey's keys; NA (absent) for ARP_CTX.
	CopyNumber map[string]float64

	AlleleFrequency float64
	HasAF           bool

	TotalRegionSize int
	LibReadCounts   map[int]int // library index -> observed discordant count, for C6

	SupportReads []*Read

	PhredQ int
}

// evidenceCompiler closes over the engine state C5 needs beyond its
// snodes argument: the store, the library configuration, and the options.
type evidenceCompiler struct {
	store *Store
	libs  *LibraryConfigSet
	opts  *Options
	dens  *densityTable
}

const nameTallyShards = 64

// nameTally counts query-name occurrences within a candidate set, sharded
// by a seahash of the name the same way
// encoding/bamprovider/concurrentmap.go shards mate lookups by
// seahash.Sum64(r.Name); here it backs the "observed twice" test of §4.5
// step 2 instead of a mate rendezvous.
type nameTally struct {
	shards [nameTallyShards]map[string]int
}

func newNameTally() *nameTally {
	t := &nameTally{}
	for i := range t.shards {
		t.shards[i] = map[string]int{}
	}
	return t
}

func (t *nameTally) shardFor(name string) map[string]int {
	h := seahash.Sum64(unsafe.StringToBytes(name))
	return t.shards[h%nameTallyShards]
}

func (t *nameTally) incr(name string) int {
	m := t.shardFor(name)
	m[name]++
	return m[name]
}

func (t *nameTally) count(name string) int {
	return t.shardFor(name)[name]
}

// Compile implements C5 for a single node-set. It returns the record (nil
// if no call should be emitted) and the set of touched region ids (for
// C4's free_nodes cleanup pass).
func (c *evidenceCompiler) Compile(snodes []int) (*Record, []int) {
	regions := make([]*Region, len(snodes))
	for i, id := range snodes {
		regions[i] = c.store.Region(id)
		if regions[i] == nil {
			return nil, nil
		}
	}

	// Step 1/2: tally query-name occurrences across every candidate read,
	// independent of which region it came from.
	tally := newNameTally()
	nameFlag := map[string]Flag{}
	for _, r := range regions {
		for _, rd := range r.Reads {
			if rd == nil {
				continue
			}
			tally.incr(rd.Name)
			nameFlag[rd.Name] = rd.Flag
		}
	}

	observed := map[string]bool{}
	flagPairCounts := map[Flag]int{}
	observedCount := 0
	for name := range nameFlag {
		if tally.count(name) != 2 {
			continue
		}
		observed[name] = true
		observedCount += 2
		flagPairCounts[nameFlag[name]]++
	}
	numPairs := observedCount / 2

	// Step 3: remove observed reads from their source regions regardless
	// of whether a call will ultimately be emitted.
	var support []*Read
	for _, r := range regions {
		for _, rd := range r.Reads {
			if rd != nil && observed[rd.Name] {
				support = append(support, rd)
			}
		}
		r.removeByName(observed)
	}

	touched := snodes

	// Step 4.
	if numPairs < c.opts.MinReadPair {
		return nil, touched
	}

	// Dominant flag: argmax over the fixed scoredFlags order.
	dominant := scoredFlags[0]
	best := -1
	for _, f := range scoredFlags {
		if cnt := flagPairCounts[f]; cnt > best {
			best = cnt
			dominant = f
		}
	}

	if flagPairCounts[dominant] < c.opts.MinReadPair {
		return nil, touched
	}

	rec := &Record{
		Flag:          dominant,
		NumPairs:      numPairs,
		SupportReads:  support,
		LibReadCounts: map[int]int{},
		PerKey:        map[string]int{},
		CopyNumber:    map[string]float64{},
	}

	maxReadLen := 0
	for _, r := range regions {
		if r.MaxReadLen > maxReadLen {
			maxReadLen = r.MaxReadLen
		}
	}

	if len(regions) == 1 {
		r := regions[0]
		rec.TID1, rec.Pos1 = r.TID, r.Begin
		rec.TID2, rec.Pos2 = r.TID, r.Last
		rec.FwdCount1, rec.RevCount1 = orientationCounts(support, r)
		rec.FwdCount2, rec.RevCount2 = rec.FwdCount1, rec.RevCount1
	} else {
		r0, r1 := regions[0], regions[1]
		rec.TID1, rec.Pos1 = r0.TID, r0.Last
		rec.TID2, rec.Pos2 = r1.TID, r1.Begin
		rec.FwdCount1, rec.RevCount1 = orientationCounts(support, r0)
		rec.FwdCount2, rec.RevCount2 = orientationCounts(support, r1)
	}

	if dominant != ARP_RF && dominant != ARP_RR {
		if rec.Pos1+maxReadLen-5 < rec.Pos2 {
			rec.Pos1 += maxReadLen - 5
		}
	}

	totalRegionSize := 0
	for _, r := range regions {
		totalRegionSize += r.Span()
	}
	rec.TotalRegionSize = totalRegionSize

	// support holds both mates of every observed pair; diffSum must be
	// accumulated once per pair, not once per read, so pick a single
	// representative read (the first one seen) per query name.
	var diffSum float64
	type pairRep struct {
		libIndex int
		isize    int
	}
	reps := map[string]pairRep{}
	for _, rd := range support {
		if rd.Flag != dominant {
			continue
		}
		if _, ok := reps[rd.Name]; !ok {
			reps[rd.Name] = pairRep{libIndex: rd.LibIndex, isize: rd.ISize}
		}
	}
	pairsByLib := map[int]int{}
	for _, rep := range reps {
		pairsByLib[rep.libIndex]++
		diffSum += math.Abs(float64(rep.isize))
	}
	for lib, pairs := range pairsByLib {
		lc := c.libs.Library(lib)
		if lc == nil {
			continue
		}
		diffSum -= float64(pairs) * lc.Mean
		rec.LibReadCounts[lib] = pairs
	}
	if flagPairCounts[dominant] > 0 {
		rec.DiffSpan = int(math.Round(diffSum / float64(flagPairCounts[dominant])))
	}

	// sptype grouping and copy number, keyed by library name or
	// source-file tag per CNLib.
	keyOf := func(lib int) string {
		lc := c.libs.Library(lib)
		if lc == nil {
			return "NA"
		}
		if c.opts.CNLib {
			return lc.Name
		}
		return lc.SourceFile
	}
	for lib, pairs := range rec.LibReadCounts {
		k := keyOf(lib)
		rec.PerKey[k] += pairs
	}

	totalNormal := 0
	for _, r := range regions {
		totalNormal += r.NNormalReads
	}
	if dominant != ARP_CTX && totalRegionSize > 0 {
		for lib := range rec.LibReadCounts {
			k := keyOf(lib)
			normalTotal := c.dens.Get(k)
			if normalTotal <= 0 {
				continue
			}
			rec.CopyNumber[k] = (float64(totalNormal) * float64(c.dens.ReferenceTotal)) /
				(float64(totalRegionSize) * normalTotal)
		}
	}

	if c.opts.PrintAF {
		normalPairs := totalNormal / 2
		denom := numPairs + normalPairs
		if denom > 0 {
			rec.AlleleFrequency = float64(numPairs) / float64(denom)
			rec.HasAF = true
		}
	}

	return rec, touched
}

// orientationCounts tallies forward/reverse orientation among support
// reads that belong to region r.
func orientationCounts(support []*Read, r *Region) (fwd, rev int) {
	for _, rd := range support {
		if rd.regionID != r.ID {
			continue
		}
		if rd.Orient == OrientFwd {
			fwd++
		} else {
			rev++
		}
	}
	return
}

// densityTable is the read-density table of spec §3: a per-key (library or
// source-file tag) normal-read count accumulated across the whole run, plus
// the total reference length used by the copy-number ratio.
type densityTable struct {
	counts         map[string]int
	ReferenceTotal int
}

func newDensityTable() *densityTable {
	return &densityTable{counts: map[string]int{}}
}

// Incr bumps the normal-read counter for key (C1 step 3).
func (d *densityTable) Incr(key string) { d.counts[key]++ }

// Get returns the accumulated normal-read count for key.
func (d *densityTable) Get(key string) float64 { return float64(d.counts[key]) }
