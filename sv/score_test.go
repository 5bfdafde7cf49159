package sv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoissonRightTailLogIsZeroAtKZero(t *testing.T) {
	assert.Equal(t, 0.0, poissonRightTailLog(5.0, 0))
}

func TestPoissonRightTailLogDecreasesWithK(t *testing.T) {
	a := poissonRightTailLog(5.0, 2)
	b := poissonRightTailLog(5.0, 10)
	assert.True(t, b < a)
}

func TestKahanSumAccumulates(t *testing.T) {
	var k kahanSum
	k.add(-1.5)
	k.add(-2.5)
	assert.InDelta(t, -4.0, k.sum, 1e-12)
}

func TestScoreFloorsAtLZEROAndClampsPhredQ(t *testing.T) {
	dist := NewLibraryFlagDistribution()
	dist.Set(0, ARP_FR_big_insert, 1000, 1000) // very dense background
	libs := NewLibraryConfigSet()
	libs.AddLibrary(LibraryConfig{Name: "lib1", Mean: 500, Upper: 900, Lower: 100})
	libs.Dist = dist

	result := Score(1, map[int]int{0: 100}, ARP_FR_big_insert, false, libs, dist)
	assert.True(t, result.PhredQ >= 0 && result.PhredQ <= 99)
	assert.True(t, result.LogPValue >= LZERO)
}

func TestScoreHigherSupportYieldsHigherPhredQ(t *testing.T) {
	dist := NewLibraryFlagDistribution()
	dist.Set(0, ARP_FR_big_insert, 10, 1000000)
	libs := NewLibraryConfigSet()
	libs.AddLibrary(LibraryConfig{Name: "lib1", Mean: 500, Upper: 900, Lower: 100})

	weak := Score(1000, map[int]int{0: 2}, ARP_FR_big_insert, false, libs, dist)
	strong := Score(1000, map[int]int{0: 20}, ARP_FR_big_insert, false, libs, dist)
	assert.True(t, strong.PhredQ >= weak.PhredQ)
}

func TestScoreSkipsLibrariesWithNoCoverage(t *testing.T) {
	dist := NewLibraryFlagDistribution()
	libs := NewLibraryConfigSet()
	libs.AddLibrary(LibraryConfig{Name: "lib1"})

	result := Score(1000, map[int]int{0: 5}, ARP_FR_big_insert, false, libs, dist)
	assert.Equal(t, 0, result.PhredQ)
}

func TestFisherCombineProducesFiniteResult(t *testing.T) {
	combined, ok := fisherCombine(-5.0, 3)
	assert.True(t, ok)
	assert.False(t, math.IsNaN(combined))
	assert.False(t, math.IsInf(combined, 0))
}
