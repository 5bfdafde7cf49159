package sv

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LibraryConfig describes one sequencing library, as produced offline by the
// configuration step (the historical bam2cfg tool). It is immutable for the
// duration of a run.
type LibraryConfig struct {
	Name       string
	SourceFile string
	Mean       float64
	Lower      float64
	Upper      float64
	// MinMapQ is the per-library mapq floor, or -1 meaning "use the global
	// minimum".
	MinMapQ int
}

// effectiveMapQ returns the mapq floor that C1 should apply for this
// library, given the global option.
func (l *LibraryConfig) effectiveMapQ(globalMinMapQ int) int {
	if l.MinMapQ >= 0 {
		return l.MinMapQ
	}
	return globalMinMapQ
}

// LibraryFlagDistribution is the genome-wide background distribution used
// only by the score engine (C6): for each library, how many reads of each
// flag were observed across the whole genome, and how much reference length
// was covered while counting them.
type LibraryFlagDistribution struct {
	// counts[lib][flag] is the genome-wide read count.
	counts map[int]map[Flag]int
	// coveredLength[lib] is the total covered reference length for that
	// library.
	coveredLength map[int]int
}

// NewLibraryFlagDistribution creates an empty distribution.
func NewLibraryFlagDistribution() *LibraryFlagDistribution {
	return &LibraryFlagDistribution{
		counts:        map[int]map[Flag]int{},
		coveredLength: map[int]int{},
	}
}

// Set records the genome-wide count of flag for library lib, and the
// covered reference length attributed to that library.
func (d *LibraryFlagDistribution) Set(lib int, flag Flag, count int, coveredLength int) {
	m := d.counts[lib]
	if m == nil {
		m = map[Flag]int{}
		d.counts[lib] = m
	}
	m[flag] = count
	d.coveredLength[lib] = coveredLength
}

// Count returns the genome-wide count of flag for library lib.
func (d *LibraryFlagDistribution) Count(lib int, flag Flag) int {
	return d.counts[lib][flag]
}

// CoveredLength returns the covered reference length for library lib.
func (d *LibraryFlagDistribution) CoveredLength(lib int) int {
	return d.coveredLength[lib]
}

// LibraryConfigSet is the full, immutable per-run configuration: the
// per-library table, the read-group -> library index map, and the
// genome-wide flag distribution C6 needs.
type LibraryConfigSet struct {
	Libraries []LibraryConfig
	// nameIndex maps a library name to its index into Libraries.
	nameIndex map[string]int
	// ReadGroupToLib maps a BAM read-group id to a library index.
	ReadGroupToLib map[string]int
	Dist           *LibraryFlagDistribution
}

// NewLibraryConfigSet creates an empty set, ready to be populated by
// AddLibrary/MapReadGroup or by ParseLibraryConfig.
func NewLibraryConfigSet() *LibraryConfigSet {
	return &LibraryConfigSet{
		nameIndex:      map[string]int{},
		ReadGroupToLib: map[string]int{},
		Dist:           NewLibraryFlagDistribution(),
	}
}

// AddLibrary registers cfg and returns its assigned index.
func (s *LibraryConfigSet) AddLibrary(cfg LibraryConfig) int {
	idx := len(s.Libraries)
	s.Libraries = append(s.Libraries, cfg)
	s.nameIndex[cfg.Name] = idx
	return idx
}

// MapReadGroup associates a BAM read-group id with a library name already
// registered via AddLibrary. It returns an error if the library is unknown.
func (s *LibraryConfigSet) MapReadGroup(readGroup, libraryName string) error {
	idx, ok := s.nameIndex[libraryName]
	if !ok {
		return errors.Errorf("library config: read group %q refers to unknown library %q", readGroup, libraryName)
	}
	s.ReadGroupToLib[readGroup] = idx
	return nil
}

// ResolveReadGroup returns the library index for a read-group id and
// whether it was found. Library names are also accepted directly, as a
// fallback for records that carry no read-group tag (the same convenience
// markduplicates.GetLibrary extends to records with no RG, defaulting to a
// sentinel rather than failing outright).
func (s *LibraryConfigSet) ResolveReadGroup(readGroup string) (int, bool) {
	idx, ok := s.ReadGroupToLib[readGroup]
	if ok {
		return idx, true
	}
	idx, ok = s.nameIndex[readGroup]
	return idx, ok
}

// Library returns the LibraryConfig for a given index.
func (s *LibraryConfigSet) Library(idx int) *LibraryConfig {
	if idx < 0 || idx >= len(s.Libraries) {
		return nil
	}
	return &s.Libraries[idx]
}

// LibraryNames returns every registered library name, in registration
// order, for the UnknownReadGroup diagnostic's closest-match suggestion.
func (s *LibraryConfigSet) LibraryNames() []string {
	names := make([]string, len(s.Libraries))
	for i, l := range s.Libraries {
		names[i] = l.Name
	}
	return names
}

// ParseLibraryConfig reads a bam2cfg-style configuration: one key:value
// pair per whitespace-separated field, one line per library, blank lines
// ignored. Recognized keys: lib (or library), bam (source-file tag), mean,
// std (retained for parity with the original format but unused by this
// engine), readgroup (repeatable), upper, lower, mapq (per-library floor,
// defaults to -1), covered (genome-wide covered reference length for this
// library), and flagcount (repeatable, "FLAGNAME=count", feeding the
// genome-wide flag distribution C6 needs). covered and flagcount are
// produced by the same offline step that estimates mean/upper/lower; this
// engine never derives them itself (spec's LibraryFlagDistribution is
// configuration, not run state).
func ParseLibraryConfig(r io.Reader) (*LibraryConfigSet, error) {
	set := NewLibraryConfigSet()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg := LibraryConfig{MinMapQ: -1}
		var readGroups []string
		var covered int
		type flagCount struct {
			flag  Flag
			count int
		}
		var flagCounts []flagCount
		for _, field := range strings.Fields(line) {
			kv := strings.SplitN(field, ":", 2)
			if len(kv) != 2 {
				return nil, errors.Errorf("library config line %d: malformed field %q", lineNo, field)
			}
			key, val := strings.ToLower(kv[0]), kv[1]
			var err error
			switch key {
			case "lib", "library":
				cfg.Name = val
			case "bam", "source", "file":
				cfg.SourceFile = val
			case "mean":
				cfg.Mean, err = strconv.ParseFloat(val, 64)
			case "upper":
				cfg.Upper, err = strconv.ParseFloat(val, 64)
			case "lower":
				cfg.Lower, err = strconv.ParseFloat(val, 64)
			case "mapq":
				cfg.MinMapQ, err = strconv.Atoi(val)
			case "readgroup":
				readGroups = append(readGroups, val)
			case "covered":
				covered, err = strconv.Atoi(val)
			case "flagcount":
				nv := strings.SplitN(val, "=", 2)
				if len(nv) != 2 {
					err = errors.Errorf("malformed flagcount %q", val)
					break
				}
				flag, ok := ParseFlag(nv[0])
				if !ok {
					err = errors.Errorf("unknown flag %q in flagcount", nv[0])
					break
				}
				count, cerr := strconv.Atoi(nv[1])
				if cerr != nil {
					err = cerr
					break
				}
				flagCounts = append(flagCounts, flagCount{flag, count})
			case "std":
				// Parsed for format compatibility; insert-size fitting is
				// performed by the offline configuration collaborator, not
				// by this engine.
			default:
				// Unknown fields are tolerated: the format is externally
				// produced and may carry fields this engine doesn't need.
			}
			if err != nil {
				return nil, errors.Wrapf(err, "library config line %d: field %q", lineNo, field)
			}
		}
		if cfg.Name == "" {
			return nil, errors.Errorf("library config line %d: missing lib field", lineNo)
		}
		if cfg.SourceFile == "" {
			cfg.SourceFile = cfg.Name
		}
		idx := set.AddLibrary(cfg)
		for _, fc := range flagCounts {
			set.Dist.Set(idx, fc.flag, fc.count, covered)
		}
		if len(readGroups) == 0 {
			readGroups = []string{cfg.Name}
		}
		for _, rg := range readGroups {
			if err := set.MapReadGroup(rg, cfg.Name); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "library config: read")
	}
	return set, nil
}
