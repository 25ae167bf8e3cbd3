package pipeline

import (
	"math/rand"
	"sync"
)

// Increment yields the progress delta, in percentage points, applied per advance.
type Increment interface {
	Next() float64
}

// Fixed returns an Increment that always yields step.
func Fixed(step float64) Increment {
	return fixedIncrement(step)
}

type fixedIncrement float64

func (f fixedIncrement) Next() float64 { return float64(f) }

// Random returns an Increment drawn uniformly from [min, max]. It falls back to a fixed
// increment when the bounds collapse.
func Random(min, max float64, rnd *rand.Rand) Increment {
	if max < min {
		min, max = max, min
	}
	if max == min || rnd == nil {
		return Fixed(min)
	}
	return &randomIncrement{min: min, max: max, rnd: rnd}
}

type randomIncrement struct {
	mu       sync.Mutex
	min, max float64
	rnd      *rand.Rand
}

func (r *randomIncrement) Next() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.min + r.rnd.Float64()*(r.max-r.min)
}
