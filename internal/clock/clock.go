package clock

import (
	"math/rand"
	"sync"
	"time"
)

// TimeProvider is the single source of time for the pipeline. Live uses the
// wall clock; backtest drives a simulated clock from the replay stream. No
// component reads time.Now directly.
type TimeProvider interface {
	Now() time.Time
	NowMs() int64
	// Monotonic returns a monotonic reading used for latency measurement.
	Monotonic() time.Duration
	Sleep(d time.Duration)
}

// Wall is the live wall-clock provider.
type Wall struct {
	start time.Time
}

// NewWall creates the live provider.
func NewWall() *Wall {
	return &Wall{start: time.Now()}
}

func (w *Wall) Now() time.Time           { return time.Now() }
func (w *Wall) NowMs() int64             { return time.Now().UnixMilli() }
func (w *Wall) Monotonic() time.Duration { return time.Since(w.start) }
func (w *Wall) Sleep(d time.Duration)    { time.Sleep(d) }

// Simulated is the backtest provider. Replay advances it; Sleep advances it
// instead of blocking so replays run at full speed.
type Simulated struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimulated creates a simulated clock starting at the given instant.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) NowMs() int64 { return s.Now().UnixMilli() }

func (s *Simulated) Monotonic() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.now.UnixNano())
}

func (s *Simulated) Sleep(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Advance moves the simulated clock to ts if ts is later than now.
func (s *Simulated) Advance(ts time.Time) {
	s.mu.Lock()
	if ts.After(s.now) {
		s.now = ts
	}
	s.mu.Unlock()
}

// AdvanceMs moves the simulated clock to the given unix-ms instant.
func (s *Simulated) AdvanceMs(tsMs int64) {
	s.Advance(time.UnixMilli(tsMs))
}

// RNG is the deterministic per-run random source. Everywhere randomness
// enters (slippage probability, maker-fill probability, backoff jitter) it
// comes from here so identical seeds reproduce identical runs.
type RNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRNG seeds a deterministic source for the run.
func NewRNG(seed int64) *RNG {
	return &RNG{r: rand.New(rand.NewSource(seed))}
}

// Float64 returns a uniform value in [0,1).
func (g *RNG) Float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Float64()
}

// Jitter returns a duration uniformly drawn from [0, d).
func (g *RNG) Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(g.r.Int63n(int64(d)))
}
