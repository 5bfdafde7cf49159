package sv

import (
	"fmt"
	"sort"
	"strings"
)

// RefNamer resolves a reference id to its display name (the BAM/SAM target
// name), as supplied by the input header.
type RefNamer func(tid int) string

// FormatTSV renders rec in the tab-separated output format of spec §6,
// converting 0-based coordinates to 1-based at this boundary.
func FormatTSV(rec *Record, opts *Options, refName RefNamer, bamOrder []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s",
		refName(rec.TID1), rec.Pos1+1, orientLabel(rec.FwdCount1, rec.RevCount1),
		refName(rec.TID2), rec.Pos2+1, orientLabel(rec.FwdCount2, rec.RevCount2),
		opts.svTypeLabel(rec.Flag), size(rec), rec.PhredQ, rec.NumPairs,
		sptype(rec, opts))

	if opts.PrintAF {
		if rec.HasAF {
			fmt.Fprintf(&b, "\t%.4f", rec.AlleleFrequency)
		} else {
			b.WriteString("\tNA")
		}
	}

	if !opts.CNLib && rec.Flag != ARP_CTX {
		for _, bam := range bamOrder {
			cn, ok := rec.CopyNumber[bam]
			if !ok {
				b.WriteString("\tNA")
			} else {
				fmt.Fprintf(&b, "\t%.2f", cn)
			}
		}
	}
	return b.String()
}

func size(rec *Record) int {
	d := rec.Pos2 - rec.Pos1
	if d < 0 {
		d = -d
	}
	return d
}

func orientLabel(fwd, rev int) string {
	return fmt.Sprintf("%d+%d-", fwd, rev)
}

// sptype renders the per-library or per-source-file support breakdown of
// spec §6.
func sptype(rec *Record, opts *Options) string {
	if len(rec.PerKey) == 0 {
		if !opts.CNLib {
			return "NA"
		}
	}
	keys := make([]string, 0, len(rec.PerKey))
	for k := range rec.PerKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		reads := rec.PerKey[k]
		if opts.CNLib {
			cn := "NA"
			if v, ok := rec.CopyNumber[k]; ok {
				cn = fmt.Sprintf("%.2f", v)
			}
			entries = append(entries, fmt.Sprintf("%s|%d,%s", k, reads, cn))
		} else {
			entries = append(entries, fmt.Sprintf("%s|%d", k, reads))
		}
	}
	if len(entries) == 0 {
		return "NA"
	}
	return strings.Join(entries, ":")
}
