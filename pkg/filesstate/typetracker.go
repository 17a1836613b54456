package filesstate

import "github.com/btrfs-tools/defragd/pkg/fragrecord"

// typeTrackerMemory bounds how much history the Type Tracker's running
// weights retain: once the combined weight crosses it, all weights are
// scaled down by the same factor so old activity fades rather than being
// truncated abruptly.
const typeTrackerMemory = 10_000.0

// TypeTracker keeps a running weight per compression class, used to derive
// the class's share of the weighted round-robin pop and of the queue-trim
// target sizes. Weight is incremented by one each time a record of that
// class is queued (a count, not a byte size).
type TypeTracker struct {
	weight [fragrecord.NumClasses]float64
}

// NewTypeTracker starts both classes at equal weight so the first pops
// before any activity has been observed are split evenly.
func NewTypeTracker() *TypeTracker {
	return &TypeTracker{weight: [fragrecord.NumClasses]float64{1, 1}}
}

// Record adds amount to class's running weight and ages all weights down
// if the combined total exceeds typeTrackerMemory.
func (t *TypeTracker) Record(class fragrecord.Class, amount float64) {
	t.weight[class] += amount
	total := t.weight[fragrecord.Uncompressed] + t.weight[fragrecord.Compressed]
	if total > typeTrackerMemory {
		factor := typeTrackerMemory / total
		for i := range t.weight {
			t.weight[i] *= factor
		}
	}
}

// Share returns class's fraction of the combined weight, in [0, 1].
func (t *TypeTracker) Share(class fragrecord.Class) float64 {
	total := t.weight[fragrecord.Uncompressed] + t.weight[fragrecord.Compressed]
	if total <= 0 {
		return 0.5
	}
	return t.weight[class] / total
}
