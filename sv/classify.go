package sv

import "math"

// Classify implements C1: it reclassifies a read's pair-orientation flag
// using the library's insert-size cutoffs and the global options, mutating
// r.Flag in place. It returns false if the read should be dropped
// entirely (and must not be handed to C2).
//
// Classify is idempotent: re-running it on an already-classified read
// reproduces the same flag, since every rule either leaves the flag
// unchanged or moves it to a fixed point the rule itself would not move
// again (e.g. ARP_FF has no further FF/RR rule to apply).
func Classify(r *Read, lib *LibraryConfig, opts *Options, dens *densityTable) bool {
	if r.Flag == NA {
		return false
	}

	threshold := lib.effectiveMapQ(opts.MinMapQual)
	if r.MapQ <= threshold {
		return false
	}

	if r.MapQ > opts.MinMapQual && r.Flag.IsNormal() {
		key := lib.Name
		if !opts.CNLib {
			key = lib.SourceFile
		}
		dens.Incr(key)
	}

	if opts.TranschrRearrange && r.Flag != ARP_CTX {
		return false
	}
	if r.Flag == MATE_UNMAPPED || r.Flag == UNMAPPED {
		return false
	}

	absISize := math.Abs(float64(r.ISize))
	if r.Flag != ARP_CTX && absISize > float64(opts.MaxSD) {
		return false
	}

	if opts.LongInsert {
		if absISize > lib.Upper && r.Flag == NORMAL_RF {
			r.Flag = ARP_RF
		}
		if absISize <= lib.Upper && r.Flag == ARP_RF {
			r.Flag = NORMAL_RF
		}
		if absISize < lib.Lower && r.Flag == NORMAL_RF {
			r.Flag = ARP_FR_small_insert
		}
	} else {
		if absISize > lib.Upper && r.Flag == NORMAL_FR {
			r.Flag = ARP_FR_big_insert
		}
		if absISize <= lib.Upper && r.Flag == ARP_FR_big_insert {
			r.Flag = NORMAL_FR
		}
		if absISize < lib.Lower && r.Flag == NORMAL_FR {
			r.Flag = ARP_FR_small_insert
		}
		if r.Flag == NORMAL_RF {
			r.Flag = ARP_RF
		}
	}

	if r.Flag == ARP_RR {
		r.Flag = ARP_FF
	}

	return true
}
