package sv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/bio-sv/encoding/fastq"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

var fastqHashKey [highwayhash.Size]byte

// FastqSink writes supporting reads of emitted SVs to per-library,
// per-mate-index FASTQ files, preserving two legacy quirks of the original
// dump_fastq: the suffix inversion (first occurrence of a query name goes
// to file "2", second to file "1") and the filter restricting output to
// reads whose flag equals the call's dominant flag with non-empty
// sequence/quality.
type FastqSink struct {
	dir     string
	gz      bool
	writers map[string]*fastqPair
	seen    map[[highwayhash.Size]byte]bool
	err     error
}

type fastqPair struct {
	w1, w2 *fastq.Writer
	c1, c2 io.Closer
}

// NewFastqSink creates a sink writing under dir (created if necessary).
func NewFastqSink(dir string, gz bool) (*FastqSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "sv: create fastq output dir")
	}
	return &FastqSink{
		dir:     dir,
		gz:      gz,
		writers: map[string]*fastqPair{},
		seen:    map[[highwayhash.Size]byte]bool{},
	}, nil
}

// Write dumps rec's support reads, filtered to rec.Flag, per library.
func (s *FastqSink) Write(rec *Record) error {
	if s.err != nil {
		return s.err
	}
	for _, r := range rec.SupportReads {
		if r.Flag != rec.Flag {
			continue
		}
		seq := r.Record.Seq.Expand()
		if len(seq) == 0 || len(r.Record.Qual) == 0 {
			continue
		}
		pair, err := s.pairFor(r.Library)
		if err != nil {
			s.err = err
			return err
		}
		key := highwayhash.Sum([]byte(r.Name), fastqHashKey[:])
		read := &fastq.Read{
			ID:   "@" + r.Name,
			Seq:  string(seq),
			Unk:  "+",
			Qual: string(r.Record.Qual),
		}
		w := pair.w2
		if s.seen[key] {
			w = pair.w1
		}
		s.seen[key] = true
		if err := w.Write(read); err != nil {
			s.err = errors.Wrap(err, "sv: write fastq record")
			return s.err
		}
	}
	return nil
}

func (s *FastqSink) pairFor(library string) (*fastqPair, error) {
	if p, ok := s.writers[library]; ok {
		return p, nil
	}
	w1, c1, err := s.openMate(library, 1)
	if err != nil {
		return nil, err
	}
	w2, c2, err := s.openMate(library, 2)
	if err != nil {
		return nil, err
	}
	p := &fastqPair{w1: w1, w2: w2, c1: c1, c2: c2}
	s.writers[library] = p
	return p, nil
}

func (s *FastqSink) openMate(library string, mate int) (*fastq.Writer, io.Closer, error) {
	name := fmt.Sprintf("%s.%d.fastq", library, mate)
	if s.gz {
		name += ".gz"
	}
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "sv: create %s", name)
	}
	var closer io.Closer = f
	var w io.Writer = f
	if s.gz {
		gz := gzip.NewWriter(f)
		closer = closeBoth{gz, f}
		w = gz
	}
	return fastq.NewWriter(w), closer, nil
}

type closeBoth struct {
	inner, outer io.Closer
}

func (c closeBoth) Close() error {
	if err := c.inner.Close(); err != nil {
		return err
	}
	return c.outer.Close()
}

// Close flushes and closes every per-library file pair opened by this
// sink, accumulating the first error encountered across all of them.
func (s *FastqSink) Close() error {
	for _, p := range s.writers {
		if err := p.c1.Close(); err != nil && s.err == nil {
			s.err = err
		}
		if err := p.c2.Close(); err != nil && s.err == nil {
			s.err = err
		}
	}
	return s.err
}
