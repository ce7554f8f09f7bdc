package monitor

import (
	"math"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

const (
	Epsilon = 1e-9
)

// Window keeps the last N accepted values of one instrument in a ring buffer
// together with running sum, sum of squares, min and max. The aggregates are
// rebuilt from the buffer every recomputeEvery updates and whenever the
// evicted value was an extreme, so they never drift from the contents.
// Sums are taken over value-shift to keep the variance stable for large,
// nearly constant prices.
type Window struct {
	values         []float64
	head           int
	count          int
	shift          float64
	sum            float64
	sumSq          float64
	min            float64
	max            float64
	updates        int
	recomputeEvery int

	latest   float64
	latestAt time.Time
}

// NewWindow allocates a window holding capacity values. A recomputeEvery of
// zero means a full recompute once per capacity updates.
func NewWindow(capacity, recomputeEvery int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	if recomputeEvery <= 0 {
		recomputeEvery = capacity
	}
	return &Window{
		values:         make([]float64, capacity),
		recomputeEvery: recomputeEvery,
	}
}

// Update appends value, evicting the oldest entry when the window is full,
// and returns the resulting snapshot.
func (w *Window) Update(value float64, ts time.Time) models.Snapshot {
	capacity := len(w.values)

	if w.count == 0 {
		w.shift = value
	}

	var evicted float64
	full := w.count == capacity
	if full {
		evicted = w.values[w.head]
		w.values[w.head] = value
		w.head = (w.head + 1) % capacity
		d := evicted - w.shift
		w.sum -= d
		w.sumSq -= d * d
	} else {
		w.values[(w.head+w.count)%capacity] = value
		w.count++
	}
	d := value - w.shift
	w.sum += d
	w.sumSq += d * d
	w.updates++

	switch {
	case w.updates%w.recomputeEvery == 0:
		w.recompute()
	case full && (evicted == w.min || evicted == w.max):
		w.recomputeExtremes()
	case w.count == 1:
		w.min, w.max = value, value
	default:
		w.min = math.Min(w.min, value)
		w.max = math.Max(w.max, value)
	}

	w.latest = value
	w.latestAt = ts
	return w.Snapshot()
}

// Snapshot returns the statistics of the current contents.
func (w *Window) Snapshot() models.Snapshot {
	snap := models.Snapshot{
		Count:    w.count,
		Capacity: len(w.values),
		Min:      w.min,
		Max:      w.max,
		Latest:   w.latest,
		LatestAt: w.latestAt,
	}
	if w.count == 0 {
		return snap
	}

	n := float64(w.count)
	snap.Mean = w.shift + w.sum/n
	if w.count == len(w.values) && w.count >= 2 {
		variance := (w.sumSq - w.sum*w.sum/n) / (n - 1)
		if variance < 0 || math.IsNaN(variance) {
			variance = 0
		}
		snap.StdDev = math.Sqrt(variance)
		snap.Sufficient = true
	}
	return snap
}

// Values returns the window contents oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.values[(w.head+i)%len(w.values)]
	}
	return out
}

// Len reports how many values the window currently holds.
func (w *Window) Len() int {
	return w.count
}

// Full reports whether the window holds capacity values.
func (w *Window) Full() bool {
	return w.count == len(w.values)
}

func (w *Window) recompute() {
	w.sum, w.sumSq = 0, 0
	if w.count > 0 {
		w.shift = w.values[w.head]
	}
	for i := 0; i < w.count; i++ {
		d := w.values[(w.head+i)%len(w.values)] - w.shift
		w.sum += d
		w.sumSq += d * d
	}
	w.recomputeExtremes()
}

func (w *Window) recomputeExtremes() {
	if w.count == 0 {
		w.min, w.max = 0, 0
		return
	}
	w.min = w.values[w.head]
	w.max = w.values[w.head]
	for i := 1; i < w.count; i++ {
		v := w.values[(w.head+i)%len(w.values)]
		if v < w.min {
			w.min = v
		}
		if v > w.max {
			w.max = v
		}
	}
}
