package sv

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
)

func fastqRead(name, group string, seq, qual string) *Read {
	return fastqReadLib(name, group, group, seq, qual)
}

func fastqReadLib(name, group, library, seq, qual string) *Read {
	return &Read{
		Name:      name,
		ReadGroup: group,
		Library:   library,
		Flag:      ARP_FR_big_insert,
		Record: &sam.Record{
			Seq:  sam.NewNybbleSeq([]byte(seq)),
			Qual: []byte(qual),
		},
	}
}

func TestFastqSinkWritesFirstOccurrenceToMate2AndSecondToMate1(t *testing.T) {
	dir, err := ioutil.TempDir("", "sv-fastq-test")
	assert.NoError(t, err)
	defer os.RemoveAll(dir)

	sink, err := NewFastqSink(dir, false)
	assert.NoError(t, err)

	rec := &Record{
		Flag: ARP_FR_big_insert,
		SupportReads: []*Read{
			fastqRead("pair1", "lib1", "ACGT", "IIII"),
			fastqRead("pair1", "lib1", "TGCA", "JJJJ"),
		},
	}
	assert.NoError(t, sink.Write(rec))
	assert.NoError(t, sink.Close())

	mate2, err := ioutil.ReadFile(filepath.Join(dir, "lib1.2.fastq"))
	assert.NoError(t, err)
	assert.Contains(t, string(mate2), "@pair1")
	assert.Contains(t, string(mate2), "ACGT")

	mate1, err := ioutil.ReadFile(filepath.Join(dir, "lib1.1.fastq"))
	assert.NoError(t, err)
	assert.Contains(t, string(mate1), "@pair1")
	assert.Contains(t, string(mate1), "TGCA")
}

func TestFastqSinkGroupsByLibraryNotReadGroup(t *testing.T) {
	dir, err := ioutil.TempDir("", "sv-fastq-test")
	assert.NoError(t, err)
	defer os.RemoveAll(dir)

	sink, err := NewFastqSink(dir, false)
	assert.NoError(t, err)

	// Both reads belong to library "lib1" but carry different read-group
	// tags, the way sv/library.go's repeatable readgroup: field allows.
	rec := &Record{
		Flag: ARP_FR_big_insert,
		SupportReads: []*Read{
			fastqReadLib("pairA", "HWI-1", "lib1", "ACGT", "IIII"),
			fastqReadLib("pairB", "HWI-2", "lib1", "TGCA", "JJJJ"),
		},
	}
	assert.NoError(t, sink.Write(rec))
	assert.NoError(t, sink.Close())

	// A single file pair named after the library, not one per read group.
	mate2, err := ioutil.ReadFile(filepath.Join(dir, "lib1.2.fastq"))
	assert.NoError(t, err)
	assert.Contains(t, string(mate2), "@pairA")
	assert.Contains(t, string(mate2), "@pairB")

	_, err = os.Stat(filepath.Join(dir, "HWI-1.2.fastq"))
	assert.True(t, os.IsNotExist(err))
}

func TestFastqSinkSkipsReadsWithDifferentFlagOrEmptySequence(t *testing.T) {
	dir, err := ioutil.TempDir("", "sv-fastq-test")
	assert.NoError(t, err)
	defer os.RemoveAll(dir)

	sink, err := NewFastqSink(dir, false)
	assert.NoError(t, err)

	offFlag := fastqRead("skip1", "lib1", "ACGT", "IIII")
	offFlag.Flag = ARP_RF
	empty := &Read{Name: "skip2", ReadGroup: "lib1", Library: "lib1", Flag: ARP_FR_big_insert, Record: &sam.Record{}}

	rec := &Record{Flag: ARP_FR_big_insert, SupportReads: []*Read{offFlag, empty}}
	assert.NoError(t, sink.Write(rec))
	assert.NoError(t, sink.Close())

	_, err = os.Stat(filepath.Join(dir, "lib1.1.fastq"))
	assert.True(t, os.IsNotExist(err))
}

func TestFastqSinkGzipsWhenRequested(t *testing.T) {
	dir, err := ioutil.TempDir("", "sv-fastq-test")
	assert.NoError(t, err)
	defer os.RemoveAll(dir)

	sink, err := NewFastqSink(dir, true)
	assert.NoError(t, err)

	rec := &Record{
		Flag:         ARP_FR_big_insert,
		SupportReads: []*Read{fastqRead("gz1", "lib1", "ACGT", "IIII")},
	}
	assert.NoError(t, sink.Write(rec))
	assert.NoError(t, sink.Close())

	_, err = os.Stat(filepath.Join(dir, "lib1.2.fastq.gz"))
	assert.NoError(t, err)
}
