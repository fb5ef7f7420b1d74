package performance

// Number is the value constraint for a rolling window
type Number interface {
	~int | ~int64 | ~float64
}

// Window is a fixed-size FIFO of the most recent values. Pushing into a full
// window evicts the oldest value.
type Window[T Number] struct {
	size  int
	items []T
}

// NewWindow creates an empty window holding at most size values
func NewWindow[T Number](size int) *Window[T] {
	if size < 1 {
		size = 1
	}
	return &Window[T]{size: size, items: make([]T, 0, size)}
}

// WindowFrom rebuilds a window from persisted values, oldest first. Values
// beyond size are dropped from the front.
func WindowFrom[T Number](size int, values []T) *Window[T] {
	w := NewWindow[T](size)
	for _, v := range values {
		w.Push(v)
	}
	return w
}

// Push appends v and returns the evicted value, if any
func (w *Window[T]) Push(v T) (evicted T, ok bool) {
	if len(w.items) == w.size {
		evicted, ok = w.items[0], true
		copy(w.items, w.items[1:])
		w.items = w.items[:len(w.items)-1]
	}
	w.items = append(w.items, v)
	return evicted, ok
}

// Len returns the number of values held
func (w *Window[T]) Len() int { return len(w.items) }

// Size returns the capacity
func (w *Window[T]) Size() int { return w.size }

// Values returns a copy of the window contents, oldest first
func (w *Window[T]) Values() []T {
	out := make([]T, len(w.items))
	copy(out, w.items)
	return out
}

// WindowStats summarizes the profits in a rolling window
type WindowStats struct {
	Wins         int
	Losses       int
	Breakeven    int
	Profit       float64
	WinRate      float64 // percentage of all trades in the window
	AvgProfit    float64
	ProfitFactor float64
}

// Stats computes win rate, average profit and profit factor over the window
func (w *Window[T]) Stats() WindowStats {
	var s WindowStats
	if len(w.items) == 0 {
		return s
	}

	var grossProfit, grossLoss float64
	for _, item := range w.items {
		v := float64(item)
		s.Profit += v
		switch {
		case v > 0:
			s.Wins++
			grossProfit += v
		case v < 0:
			s.Losses++
			grossLoss += -v
		default:
			s.Breakeven++
		}
	}

	n := float64(len(w.items))
	s.WinRate = float64(s.Wins) / n * 100
	s.AvgProfit = s.Profit / n
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	return s
}
