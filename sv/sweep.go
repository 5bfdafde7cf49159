package sv

import (
	"github.com/antzucaro/matchr"
	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"
)

var rgTag = sam.Tag{'R', 'G'}

// readGroup extracts the RG aux tag from a record, if present.
func readGroup(r *sam.Record) (string, bool) {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

// Sink receives each emitted SV record in call-emission order.
type Sink func(*Record)

// Sweep is the sweep driver (C7): it drives C1 (Classify), C2 (region
// accumulation), and, through periodic and final flushes, C3/C4/C5/C6,
// from a single position-sorted alignment stream.
type Sweep struct {
	store *Store
	libs  *LibraryConfigSet
	opts  *Options
	dens  *densityTable
	sink  Sink

	builder regionBuilder

	// warnedGroups avoids repeating the same UnknownReadGroup diagnostic
	// for every read of an unrecognized read group.
	warnedGroups map[string]bool
}

// NewSweep creates a sweep driver. The genome-wide flag distribution C6
// needs is taken from libs.Dist; referenceTotal is the total covered
// reference length used by C5's copy-number ratio (typically the sum of
// reference lengths in the input header).
func NewSweep(libs *LibraryConfigSet, opts *Options, referenceTotal int, sink Sink) *Sweep {
	dens := newDensityTable()
	dens.ReferenceTotal = referenceTotal
	s := &Sweep{
		store:        NewStore(),
		libs:         libs,
		opts:         opts,
		dens:         dens,
		sink:         sink,
		warnedGroups: map[string]bool{},
	}
	s.builder.endTID = -1
	s.builder.endPos = -1 << 30
	return s
}

// Push implements C7's per-record loop body: resolve read-group -> library,
// classify, and accumulate. It returns an error only for conditions that
// should abort the run (spec §7); UnknownReadGroup is recovered locally.
func (s *Sweep) Push(r *sam.Record) error {
	if r.Ref == nil {
		return wrapError(MalformedRecord, errNilRef, "sv: record missing reference id")
	}

	rg, _ := readGroup(r)
	libIdx, ok := s.libs.ResolveReadGroup(rg)
	if !ok {
		s.warnUnknownReadGroup(rg)
		return nil
	}

	lib := s.libs.Library(libIdx)
	libName := rg
	if lib != nil {
		libName = lib.Name
	}
	read := newRead(r, rg, libName, libIdx)
	if !Classify(read, lib, s.opts, s.dens) {
		return nil
	}
	s.accumulate(read)
	return nil
}

// warnUnknownReadGroup surfaces the UnknownReadGroup diagnostic, suggesting
// the closest known library name by edit distance.
func (s *Sweep) warnUnknownReadGroup(rg string) {
	if s.warnedGroups[rg] {
		return
	}
	s.warnedGroups[rg] = true
	suggestion := closestLibraryName(rg, s.libs.LibraryNames())
	if suggestion != "" {
		log.Error.Printf("sv: unknown read group %q, skipping reads; did you mean library %q?", rg, suggestion)
	} else {
		log.Error.Printf("sv: unknown read group %q, skipping reads", rg)
	}
}

// closestLibraryName returns the registered library name with the smallest
// Levenshtein distance to name, or "" if names is empty.
func closestLibraryName(name string, names []string) string {
	best := ""
	bestDist := -1
	for _, n := range names {
		d := matchr.Levenshtein(name, n)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = n
		}
	}
	return best
}

// accumulate implements C2 for a single classified read.
func (s *Sweep) accumulate(read *Read) {
	if read.Flag.IsNormal() {
		if s.builder.collectingNormal && read.ISize > 0 {
			s.builder.nNormalReads++
		}
		return
	}

	if s.builder.doBreak(read.TID, read.Pos, s.opts.MaxReadWindowSize) {
		s.flushRegion()
		s.builder.reset(read.TID, read.Pos)
		s.store.ResetScratch()
	}

	first := len(s.builder.reads) == 0
	if m, ok := s.store.ResolveMate(read.MateTID, read.MatePos); ok {
		s.store.AccumulateEdge(m)
	}
	s.builder.append(read, first)
}

// flushRegion implements the C2 -> C3 flush decision of §4.3.
func (s *Sweep) flushRegion() {
	if len(s.builder.reads) == 0 {
		return
	}
	span := s.builder.endPos - s.builder.startPos + 1
	coverage := s.builder.seqCoverage()
	if span > s.opts.MinLen && coverage < s.opts.SeqCoverageLim {
		region := s.store.Register(s.builder.startTID, s.builder.startPos, s.builder.endPos, s.builder.nNormalReads, s.builder.reads)
		region.MaxReadLen = s.builder.maxReadLen
		if s.store.BufferSize() > s.opts.BufferSize {
			s.flushGraph()
		}
	} else {
		s.store.Discard()
	}
}

// flushGraph invokes C4 over the current graph snapshot and resets the
// registered-region counter that triggers the next flush.
func (s *Sweep) flushGraph() {
	compiler := &evidenceCompiler{store: s.store, libs: s.libs, opts: s.opts, dens: s.dens}
	BuildConnections(s.store, s.opts, func(snodes []int) []int {
		rec, touched := compiler.Compile(snodes)
		if rec != nil {
			result := Score(rec.TotalRegionSize, rec.LibReadCounts, rec.Flag, s.opts.Fisher, s.libs, s.libs.Dist)
			rec.PhredQ = result.PhredQ
			if result.PhredQ > s.opts.ScoreThreshold {
				s.sink(rec)
			}
		}
		return touched
	})
	s.store.ResetBufferSize()
}

// Close implements C7's end-of-stream handling: flush any open region,
// then invoke the connection builder unconditionally so pending edges
// yield their calls (the original's process_final_region).
func (s *Sweep) Close() {
	s.flushRegion()
	s.flushGraph()
}

// Store exposes the region-graph store, primarily for tests asserting the
// post-run emptiness invariant of spec §8.
func (s *Sweep) Store() *Store { return s.store }
