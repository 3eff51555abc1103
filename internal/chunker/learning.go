package chunker

import (
	"math"

	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

const (
	// learningDampening limits how far history can pull a single
	// decision away from the heuristic baseline.
	learningDampening = 0.30

	// minSimilarity is the floor below which a past run is considered
	// a different workload and ignored.
	minSimilarity = 0.35
)

// learningRing holds past chunk outcomes in a fixed-capacity ring so
// memory stays bounded no matter how long the process runs.
type learningRing struct {
	samples []model.LearningSample
	next    int
	full    bool
}

func newLearningRing(capacity int) *learningRing {
	return &learningRing{samples: make([]model.LearningSample, capacity)}
}

func (r *learningRing) add(s model.LearningSample) {
	if len(r.samples) == 0 {
		return
	}
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *learningRing) len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

func (r *learningRing) forEach(fn func(*model.LearningSample)) {
	for i := 0; i < r.len(); i++ {
		fn(&r.samples[i])
	}
}

// adjustment derives a multiplicative factor from past runs that looked
// like the current workload. Each relevant sample votes for its own
// chunk size, weighted by how similar it was and how well it went, and
// the net pull is dampened before it is applied. Returns the factor,
// the number of samples used, and the best similarity seen.
func (r *learningRing) adjustment(chars model.DataCharacteristics, sys model.SystemMetrics, baseSize int64) (float64, int, float64) {
	if baseSize <= 0 {
		return 1, 0, 0
	}
	var weighted, weightSum, best float64
	used := 0
	r.forEach(func(s *model.LearningSample) {
		sim := similarity(chars, sys, s.Characteristics, s.Metrics)
		if sim > best {
			best = sim
		}
		if sim < minSimilarity || s.Satisfaction <= 0 {
			return
		}
		rel := (float64(s.ChunkSize) - float64(baseSize)) / float64(baseSize)
		if rel > 1 {
			rel = 1
		} else if rel < -0.9 {
			rel = -0.9
		}
		w := sim * s.Satisfaction
		weighted += w * rel
		weightSum += w
		used++
	})
	if used == 0 || weightSum == 0 {
		return 1, 0, best
	}
	return 1 + learningDampening*(weighted/weightSum), used, best
}

// similarity scores how closely two workloads match, in [0, 1]. Row
// counts compare on a log scale so a 1M-row file is "near" a 2M-row
// one but far from a 1K-row one.
func similarity(a model.DataCharacteristics, am model.SystemMetrics, b model.DataCharacteristics, bm model.SystemMetrics) float64 {
	s := 0.20 * closeness(a.AvgLineLength, b.AvgLineLength)
	s += 0.20 * closeness(logRows(a.EstimatedRows), logRows(b.EstimatedRows))
	s += 0.15 * closeness(float64(a.ColumnCount), float64(b.ColumnCount))
	s += 0.10 * (1 - math.Abs(a.NullDensity-b.NullDensity))
	s += 0.15 * (1 - math.Abs(a.Compressibility-b.Compressibility))
	s += 0.20 * (1 - math.Abs(am.MemoryPressure-bm.MemoryPressure))
	return s
}

// closeness is 1 when the values match and decays linearly to 0 as
// they diverge relative to the larger magnitude.
func closeness(x, y float64) float64 {
	den := math.Max(math.Abs(x), math.Abs(y))
	if den == 0 {
		return 1
	}
	d := 1 - math.Abs(x-y)/den
	if d < 0 {
		return 0
	}
	return d
}

func logRows(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Log10(float64(n))
}

// satisfactionScore grades an outcome against its prediction in
// [0, 1]. The three dimensions combine as a geometric mean so one
// great dimension cannot hide a terrible one, and each ratio is capped
// so one lucky dimension cannot dominate either. Errors cost a flat
// 0.2 apiece.
func satisfactionScore(expected model.ExpectedPerformance, actual model.ActualPerformance) float64 {
	timeRatio := cappedRatio(expected.ProcessingTime.Seconds(), actual.ProcessingTime.Seconds())
	memRatio := cappedRatio(float64(expected.MemoryBytes), float64(actual.MemoryBytes))
	thrRatio := cappedRatio(actual.ThroughputMBps, expected.ThroughputMBps)
	score := math.Cbrt(timeRatio * memRatio * thrRatio)
	score -= 0.2 * float64(actual.ErrorCount)
	return clamp01(score)
}

// cappedRatio returns num/den capped at 1.5, treating a missing side
// as "expectations met".
func cappedRatio(num, den float64) float64 {
	if num <= 0 || den <= 0 {
		return 1
	}
	r := num / den
	if r > 1.5 {
		return 1.5
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
