package timestamp

// fpsWindow is the number of frame intervals averaged by FPSEstimator.
const fpsWindow = 50

// FPSEstimator keeps a rolling average of frame intervals.
type FPSEstimator struct {
	intervals [fpsWindow]float64
	n         int
	next      int
	sum       float64
}

// Observe records one frame interval in seconds. Non-positive intervals
// are ignored.
func (e *FPSEstimator) Observe(interval float64) {
	if interval <= 0 {
		return
	}
	if e.n == fpsWindow {
		e.sum -= e.intervals[e.next]
	} else {
		e.n++
	}
	e.intervals[e.next] = interval
	e.sum += interval
	e.next = (e.next + 1) % fpsWindow
}

// FPS returns the average rate, or 0 before any interval was observed.
func (e *FPSEstimator) FPS() float64 {
	if e.n == 0 || e.sum <= 0 {
		return 0
	}
	return float64(e.n) / e.sum
}

// Full reports whether a whole window has been observed.
func (e *FPSEstimator) Full() bool {
	return e.n == fpsWindow
}
