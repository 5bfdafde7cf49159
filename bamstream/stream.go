// Package bamstream merges one or more position-sorted BAM inputs into the
// single non-decreasing (tid,pos) alignment stream the sv engine's sweep
// driver consumes. It assumes each input already satisfies that ordering
// individually; it interleaves, it never re-sorts.
package bamstream

import (
	"github.com/biogo/hts/sam"
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	gbam "github.com/grailbio/bio-sv/encoding/bam"
	"github.com/grailbio/bio-sv/encoding/bamprovider"
	"v.io/x/lib/vlog"
)

// mergeLeaf is one open input's current record, ordered the same way
// cmd/bio-bam-sort/sorter/sort.go's mergeLeaf orders shard readers: by
// coordinate key, with the source index as a tiebreak so the merge is
// deterministic across runs.
type mergeLeaf struct {
	idx int
	rec *sam.Record
}

// Compare implements llrb.Comparable.
func (l mergeLeaf) Compare(c llrb.Comparable) int {
	o := c.(mergeLeaf)
	if l.rec.Ref == nil || o.rec.Ref == nil {
		if l.rec.Ref != o.rec.Ref {
			if l.rec.Ref == nil {
				return 1
			}
			return -1
		}
	} else if d := l.rec.Ref.ID() - o.rec.Ref.ID(); d != 0 {
		return d
	}
	if d := l.rec.Pos - o.rec.Pos; d != 0 {
		return d
	}
	return l.idx - o.idx
}

// Stream is an N-way merge over already position-sorted BAM inputs.
type Stream struct {
	providers []bamprovider.Provider
	iters     []bamprovider.Iterator
	leaves    llrb.Tree
	header    *sam.Header
	cur       *sam.Record
	err       error
	once      errors.Once
}

// Open opens every path in paths (via bamprovider, so BAM or PAM inputs are
// both accepted) and prepares the merged stream. The first input's header
// is used as the merged header; callers are expected to pass inputs that
// share a reference set, as a merged run normally would.
func Open(paths []string) (*Stream, error) {
	s := &Stream{}
	for i, path := range paths {
		p := bamprovider.NewProvider(path)
		s.providers = append(s.providers, p)
		header, err := p.GetHeader()
		if err != nil {
			s.closeAll()
			return nil, errors.E(err, path)
		}
		if s.header == nil {
			s.header = header
		}
		shards, err := p.GetFileShards()
		if err != nil {
			s.closeAll()
			return nil, errors.E(err, path)
		}
		var shard gbam.Shard
		if len(shards) > 0 {
			shard = shards[0]
		}
		it := p.NewIterator(shard)
		s.iters = append(s.iters, it)
		if it.Scan() {
			s.leaves.Insert(mergeLeaf{idx: i, rec: it.Record()})
		} else if err := it.Err(); err != nil {
			s.closeAll()
			return nil, errors.E(err, path)
		}
	}
	vlog.VI(1).Infof("bamstream: merging %d inputs", len(paths))
	return s, nil
}

// Header returns the merged stream's header.
func (s *Stream) Header() *sam.Header { return s.header }

// Scan advances to the next record in merged (tid,pos) order, following
// the smallest-child-first pattern of the original's binary-tree N-way
// merge: pop the smallest leaf, re-scan its source, and reinsert it if it
// still has records.
func (s *Stream) Scan() bool {
	if s.err != nil || s.leaves.Len() == 0 {
		return false
	}
	var top mergeLeaf
	s.leaves.Do(func(c llrb.Comparable) bool {
		top = c.(mergeLeaf)
		return true // stop at the smallest entry
	})
	s.leaves.DeleteMin()
	s.cur = top.rec

	it := s.iters[top.idx]
	if it.Scan() {
		s.leaves.Insert(mergeLeaf{idx: top.idx, rec: it.Record()})
	} else if err := it.Err(); err != nil {
		s.err = err
		return false
	}
	return true
}

// Record returns the record produced by the most recent Scan.
func (s *Stream) Record() *sam.Record { return s.cur }

// Err returns the first error encountered, if any.
func (s *Stream) Err() error { return s.err }

// Close closes every underlying provider and iterator, accumulating the
// first error across all of them, the same github.com/grailbio/base/errors
// "accumulate first error across many closers" idiom cmd/bio-fusion/main.go
// uses.
func (s *Stream) Close() error {
	s.closeAll()
	return s.once.Err()
}

func (s *Stream) closeAll() {
	for _, it := range s.iters {
		s.once.Set(it.Close())
	}
	for _, p := range s.providers {
		s.once.Set(p.Close())
	}
}
