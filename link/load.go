package link

import "github.com/pbnjay/memory"

// LoadEstimator reports whether the local process is currently under high
// load. It is used to batch pure acknowledgement traffic more aggressively
// when loaded. Implementations must be side-effect-free and callable at any
// time.
type LoadEstimator interface {
	HasHighLoad() bool
}

// NeverHighLoad returns the default load estimator that never reports load.
func NeverHighLoad() LoadEstimator {
	return neverHighLoad{}
}

type neverHighLoad struct{}

func (neverHighLoad) HasHighLoad() bool { return false }

// MemoryLoad estimates load from system memory pressure.
type MemoryLoad struct {
	maxUsedFraction float64
}

// NewMemoryLoad returns a load estimator that reports high load once the
// used fraction of system memory reaches the given threshold.
func NewMemoryLoad(maxUsedFraction float64) *MemoryLoad {
	if maxUsedFraction <= 0 || maxUsedFraction > 1 {
		maxUsedFraction = 0.9
	}
	return &MemoryLoad{maxUsedFraction: maxUsedFraction}
}

// HasHighLoad reports whether system memory usage is above the threshold.
func (ml *MemoryLoad) HasHighLoad() bool {
	total := memory.TotalMemory()
	if total == 0 {
		return false
	}
	used := 1 - float64(memory.FreeMemory())/float64(total)
	return used >= ml.maxUsedFraction
}
