package sv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBEDWriterWritesTrackAndFeatureLines(t *testing.T) {
	rec := &Record{
		Flag: ARP_FR_big_insert,
		TID1: 0, Pos1: 99,
		DiffSpan: 500,
		SupportReads: []*Read{
			{Name: "r1", ReadGroup: "lib1", Library: "lib1", TID: 0, Pos: 100, ReadLen: 50, MapQ: 60, Orient: OrientFwd},
			{Name: "r2", ReadGroup: "lib1", Library: "lib1", TID: 0, Pos: 300, ReadLen: 50, MapQ: 60, Orient: OrientRev},
		},
	}
	var buf bytes.Buffer
	bw := NewBEDWriter(&buf, false)
	opts := DefaultOptions
	assert.NoError(t, bw.Write(rec, &opts, refName(map[int]string{0: "chr1"})))
	assert.NoError(t, bw.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, 3, len(lines))
	assert.Equal(t, "track name=chr1_100_DEL_500 useScore=0", lines[0])

	f1 := strings.Split(lines[1], "\t")
	assert.Equal(t, "chr1", f1[0])
	assert.Equal(t, "100", f1[1])
	assert.Equal(t, "49", f1[2]) // pos(100) - readLen(50) - 1, preserved as-is
	assert.Equal(t, "r1|lib1", f1[3])
	assert.Equal(t, "600", f1[4]) // mapQ * 10
	assert.Equal(t, "+", f1[5])
	assert.Equal(t, "0,0,255", f1[8])

	f2 := strings.Split(lines[2], "\t")
	assert.Equal(t, "-", f2[5])
	assert.Equal(t, "255,0,0", f2[8])
}

func TestBEDWriterFeatureNameUsesLibraryNotReadGroup(t *testing.T) {
	rec := &Record{
		Flag: ARP_FR_big_insert,
		TID1: 0, Pos1: 99,
		DiffSpan: 500,
		SupportReads: []*Read{
			// Two read groups ("HWI-1", "HWI-2") feeding the same library
			// ("lib1"), the configuration sv/library.go supports via
			// repeatable readgroup: fields. The BED feature name must key
			// off the resolved library, not the raw read-group tag.
			{Name: "r1", ReadGroup: "HWI-1", Library: "lib1", TID: 0, Pos: 100, ReadLen: 50, MapQ: 60, Orient: OrientFwd},
			{Name: "r2", ReadGroup: "HWI-2", Library: "lib1", TID: 0, Pos: 300, ReadLen: 50, MapQ: 60, Orient: OrientRev},
		},
	}
	var buf bytes.Buffer
	bw := NewBEDWriter(&buf, false)
	opts := DefaultOptions
	assert.NoError(t, bw.Write(rec, &opts, refName(map[int]string{0: "chr1"})))
	assert.NoError(t, bw.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	f1 := strings.Split(lines[1], "\t")
	assert.Equal(t, "r1|lib1", f1[3])
	f2 := strings.Split(lines[2], "\t")
	assert.Equal(t, "r2|lib1", f2[3])
}

func TestBEDWriterCompressesWhenRequested(t *testing.T) {
	rec := &Record{TID1: 0, Pos1: 0}
	var buf bytes.Buffer
	bw := NewBEDWriter(&buf, true)
	opts := DefaultOptions
	assert.NoError(t, bw.Write(rec, &opts, refName(nil)))
	assert.NoError(t, bw.Close())
	// gzip streams start with the two-byte magic number 0x1f 0x8b.
	assert.True(t, buf.Len() > 2)
	b := buf.Bytes()
	assert.Equal(t, byte(0x1f), b[0])
	assert.Equal(t, byte(0x8b), b[1])
}

func TestBEDWriterShortCircuitsAfterError(t *testing.T) {
	bw := &BEDWriter{w: failingWriter{}}
	opts := DefaultOptions
	err := bw.Write(&Record{}, &opts, refName(nil))
	assert.Error(t, err)
	// A second call should return the same stored error without touching w.
	err2 := bw.Write(&Record{}, &opts, refName(nil))
	assert.Equal(t, err, err2)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, assertErr
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
