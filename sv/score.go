package sv

import (
	"math"

	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/stat/distuv"
)

// LZERO is the floor applied to a combined log p-value that would
// otherwise underflow to zero, per spec §4.6.
const LZERO = -99.0

// poissonRightTailLog returns log(P(X >= k)) under Poisson(lambda), via
// distuv.Poisson's CDF — the same gonum/stat/distuv package gopeaks reaches
// for to score a distribution tail (there, distuv.Binomial for peak calls).
func poissonRightTailLog(lambda float64, k int) float64 {
	if lambda < 1e-10 {
		lambda = 1e-10
	}
	if k <= 0 {
		return 0 // P(X>=0) == 1
	}
	dist := distuv.Poisson{Lambda: lambda}
	q := 1 - dist.CDF(float64(k-1))
	if q <= 0 {
		return LZERO
	}
	return math.Log(q)
}

// kahanSum accumulates a running sum with Kahan compensation, per DESIGN
// NOTES' instruction to preserve the compensation term across iterations.
type kahanSum struct {
	sum, c float64
}

func (k *kahanSum) add(x float64) {
	y := x - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

// ScoreResult is C6's output.
type ScoreResult struct {
	LogPValue float64
	PhredQ    int
}

// Score implements C6: per-library Poisson right-tail probabilities
// combined into a single log p-value, optionally refined via Fisher's
// method, rendered as a Phred-like quality score.
func Score(totalRegionSize int, libCounts map[int]int, flag Flag, fisher bool, libs *LibraryConfigSet, dist *LibraryFlagDistribution) ScoreResult {
	var sum kahanSum
	n := 0
	for lib, k := range libCounts {
		covered := dist.CoveredLength(lib)
		if covered <= 0 {
			continue
		}
		lambda := float64(totalRegionSize) * (float64(dist.Count(lib, flag)) / float64(covered))
		if lambda < 1e-10 {
			lambda = 1e-10
		}
		sum.add(poissonRightTailLog(lambda, k))
		n++
	}
	logp := sum.sum

	if fisher && logp < 0 && n > 0 {
		if combined, ok := fisherCombine(logp, n); ok {
			logp = combined
		} else {
			log.Error.Printf("sv: Fisher combination failed numerically for %d libraries, keeping pre-Fisher log p-value", n)
		}
	}

	if logp < LZERO {
		logp = LZERO
	}

	phredQ := int(math.Round(-10 * logp / math.Ln10))
	if phredQ > 99 {
		phredQ = 99
	}
	if phredQ < 0 {
		phredQ = 0
	}
	return ScoreResult{LogPValue: logp, PhredQ: phredQ}
}

// fisherCombine implements Fisher's method: -2*logp ~ chi2_{2n}, and
// returns the log of that chi-square distribution's right tail via
// distuv.ChiSquared. The boolean result is false if the computation
// produced a non-finite value, in which case the caller should keep the
// pre-Fisher log p-value.
func fisherCombine(logp float64, n int) (float64, bool) {
	chi2 := -2 * logp
	dist := distuv.ChiSquared{K: float64(2 * n)}
	q := 1 - dist.CDF(chi2)
	if q <= 0 {
		return LZERO, true
	}
	combined := math.Log(q)
	if math.IsNaN(combined) || math.IsInf(combined, 0) {
		return 0, false
	}
	return combined, true
}
