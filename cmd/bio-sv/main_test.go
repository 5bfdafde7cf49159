package main

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/bio-sv/sv"
	"github.com/stretchr/testify/assert"
)

func TestRefNamerResolvesKnownIDsAndFallsBackToNA(t *testing.T) {
	chr1, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 2000, nil, nil)
	assert.NoError(t, err)
	_, err = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	assert.NoError(t, err)

	namer := refNamer([]*sam.Reference{chr1, chr2})
	assert.Equal(t, "chr1", namer(chr1.ID()))
	assert.Equal(t, "chr2", namer(chr2.ID()))
	assert.Equal(t, "NA", namer(-1))
	assert.Equal(t, "NA", namer(99))
}

func TestBuildBamOrderGroupsByLibraryWhenCNLib(t *testing.T) {
	libs := sv.NewLibraryConfigSet()
	libs.AddLibrary(sv.LibraryConfig{Name: "libA", SourceFile: "a.bam"})
	libs.AddLibrary(sv.LibraryConfig{Name: "libB", SourceFile: "a.bam"})
	libs.AddLibrary(sv.LibraryConfig{Name: "libA", SourceFile: "b.bam"})

	order := buildBamOrder(libs, true)
	assert.Equal(t, []string{"libA", "libB"}, order)
}

func TestBuildBamOrderGroupsBySourceFileWhenNotCNLib(t *testing.T) {
	libs := sv.NewLibraryConfigSet()
	libs.AddLibrary(sv.LibraryConfig{Name: "libA", SourceFile: "a.bam"})
	libs.AddLibrary(sv.LibraryConfig{Name: "libB", SourceFile: "a.bam"})
	libs.AddLibrary(sv.LibraryConfig{Name: "libC", SourceFile: "b.bam"})

	order := buildBamOrder(libs, false)
	assert.Equal(t, []string{"a.bam", "b.bam"}, order)
}

func TestTotalReferenceLengthSumsAllReferences(t *testing.T) {
	chr1, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 2000, nil, nil)
	assert.NoError(t, err)
	_, err = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	assert.NoError(t, err)

	assert.Equal(t, 3000, totalReferenceLength([]*sam.Reference{chr1, chr2}))
}
