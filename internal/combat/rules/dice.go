package rules

import (
	"math/rand"
	"sync"
)

// Roller draws dice results. Implementations must be safe for concurrent use.
type Roller interface {
	// Roll returns a uniform value in [1, sides].
	Roll(sides int) int
}

// RandomRoller rolls dice from a seeded source.
type RandomRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomRoller creates a roller seeded with seed.
func NewRandomRoller(seed int64) *RandomRoller {
	return &RandomRoller{rng: rand.New(rand.NewSource(seed))}
}

// Roll returns a value in [1, sides].
func (r *RandomRoller) Roll(sides int) int {
	if sides <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(sides) + 1
}

// SequenceRoller replays a fixed list of results, cycling when exhausted.
// Used by tests and scripted scenarios.
type SequenceRoller struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewSequenceRoller creates a roller that yields values in order.
func NewSequenceRoller(values ...int) *SequenceRoller {
	return &SequenceRoller{values: append([]int(nil), values...)}
}

// Roll returns the next scripted value, clamped to [1, sides].
func (r *SequenceRoller) Roll(sides int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return 1
	}
	v := r.values[r.next%len(r.values)]
	r.next++
	if v < 1 {
		v = 1
	}
	if v > sides {
		v = sides
	}
	return v
}
