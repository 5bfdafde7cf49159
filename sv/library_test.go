package sv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLibraryConfigBasicFields(t *testing.T) {
	cfg := `
lib:lib1 bam:a.bam mean:500 upper:900 lower:100 mapq:35 readgroup:rg1 readgroup:rg2
lib:lib2 bam:b.bam mean:300 upper:600 lower:50
`
	set, err := ParseLibraryConfig(strings.NewReader(cfg))
	assert.NoError(t, err)
	assert.Equal(t, 2, len(set.Libraries))

	l1 := set.Library(0)
	assert.Equal(t, "lib1", l1.Name)
	assert.Equal(t, "a.bam", l1.SourceFile)
	assert.Equal(t, 500.0, l1.Mean)
	assert.Equal(t, 35, l1.MinMapQ)

	idx, ok := set.ResolveReadGroup("rg1")
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	idx, ok = set.ResolveReadGroup("rg2")
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	l2 := set.Library(1)
	assert.Equal(t, -1, l2.MinMapQ)
	// No explicit readgroup: library name itself resolves.
	idx, ok = set.ResolveReadGroup("lib2")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestParseLibraryConfigFlagCountPopulatesDistribution(t *testing.T) {
	cfg := `lib:lib1 bam:a.bam mean:500 upper:900 lower:100 covered:1000000 flagcount:NORMAL_FR=40000 flagcount:ARP_FF=12`
	set, err := ParseLibraryConfig(strings.NewReader(cfg))
	assert.NoError(t, err)

	assert.Equal(t, 40000, set.Dist.Count(0, NORMAL_FR))
	assert.Equal(t, 12, set.Dist.Count(0, ARP_FF))
	assert.Equal(t, 0, set.Dist.Count(0, ARP_CTX))
	assert.Equal(t, 1000000, set.Dist.CoveredLength(0))
}

func TestParseLibraryConfigRejectsMalformedField(t *testing.T) {
	_, err := ParseLibraryConfig(strings.NewReader("lib:lib1 bogus"))
	assert.Error(t, err)
}

func TestParseLibraryConfigRejectsUnknownFlagName(t *testing.T) {
	_, err := ParseLibraryConfig(strings.NewReader("lib:lib1 flagcount:NOT_A_FLAG=3"))
	assert.Error(t, err)
}

func TestParseLibraryConfigRejectsMissingLibName(t *testing.T) {
	_, err := ParseLibraryConfig(strings.NewReader("bam:a.bam mean:500"))
	assert.Error(t, err)
}

func TestParseLibraryConfigSkipsBlankAndCommentLines(t *testing.T) {
	cfg := "\n# a comment\nlib:lib1 bam:a.bam mean:500 upper:900 lower:100\n\n"
	set, err := ParseLibraryConfig(strings.NewReader(cfg))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(set.Libraries))
}

func TestMapReadGroupRejectsUnknownLibrary(t *testing.T) {
	set := NewLibraryConfigSet()
	set.AddLibrary(LibraryConfig{Name: "lib1"})
	assert.Error(t, set.MapReadGroup("rg1", "nope"))
}

func TestEffectiveMapQPrefersLibraryOverride(t *testing.T) {
	lib := LibraryConfig{MinMapQ: 20}
	assert.Equal(t, 20, lib.effectiveMapQ(5))

	lib2 := LibraryConfig{MinMapQ: -1}
	assert.Equal(t, 5, lib2.effectiveMapQ(5))
}
