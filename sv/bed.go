package sv

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// BEDWriter appends one UCSC BED track per emitted SV, one feature per
// supporting read, following the original's (legacy, intentionally
// preserved) coordinate convention: end = pos - query_length - 1.
type BEDWriter struct {
	w   io.Writer
	gz  *gzip.Writer
	err error
}

// NewBEDWriter wraps w. If compress is true, writes are gzip-compressed.
func NewBEDWriter(w io.Writer, compress bool) *BEDWriter {
	bw := &BEDWriter{w: w}
	if compress {
		bw.gz = gzip.NewWriter(w)
		bw.w = bw.gz
	}
	return bw
}

// Close flushes the underlying gzip writer, if any.
func (bw *BEDWriter) Close() error {
	if bw.gz != nil {
		if err := bw.gz.Close(); err != nil && bw.err == nil {
			bw.err = err
		}
	}
	return bw.err
}

// Write appends one track for rec.
func (bw *BEDWriter) Write(rec *Record, opts *Options, refName RefNamer) error {
	if bw.err != nil {
		return bw.err
	}
	track := fmt.Sprintf("%s_%d_%s_%d", refName(rec.TID1), rec.Pos1+1, opts.svTypeLabel(rec.Flag), rec.DiffSpan)
	bw.writeln(fmt.Sprintf("track name=%s useScore=0", track))
	for _, r := range rec.SupportReads {
		bw.writeFeature(r, refName)
	}
	return bw.err
}

func (bw *BEDWriter) writeFeature(r *Read, refName RefNamer) {
	start := r.Pos
	end := r.Pos - r.ReadLen - 1 // intentional: preserved as-is, see DESIGN.md
	strand := "+"
	color := "0,0,255"
	if r.Orient == OrientRev {
		strand = "-"
		color = "255,0,0"
	}
	name := r.Name + "|" + r.Library
	bw.writeln(fmt.Sprintf("%s\t%d\t%d\t%s\t%d\t%s\t%d\t%d\t%s",
		refName(r.TID), start, end, name, r.MapQ*10, strand, start, end, color))
}

func (bw *BEDWriter) writeln(line string) {
	if bw.err != nil {
		return
	}
	_, bw.err = io.WriteString(bw.w, line+"\n")
}
