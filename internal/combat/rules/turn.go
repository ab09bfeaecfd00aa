package rules

import "fmt"

// Timing selects when a periodic effect fires relative to a round.
type Timing int

const (
	TimingStart Timing = iota
	TimingEnd
)

var timingNames = map[Timing]string{
	TimingStart: "start",
	TimingEnd:   "end",
}

func (t Timing) String() string {
	if name, ok := timingNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIMING_%d", int(t))
}

// ParseTiming maps a wire name to a Timing.
func ParseTiming(raw string) (Timing, error) {
	for t, name := range timingNames {
		if name == raw {
			return t, nil
		}
	}
	return TimingStart, fmt.Errorf("unknown tick timing %q", raw)
}

// MarshalText encodes the timing by name.
func (t Timing) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a timing name.
func (t *Timing) UnmarshalText(text []byte) error {
	parsed, err := ParseTiming(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TurnCursor tracks the current position in an initiative order of a given
// size along with the round number.
type TurnCursor struct {
	index int
	size  int
	round int
}

// NewTurnCursor creates a cursor at index within an order of size entries.
// Rounds below 1 are raised to 1.
func NewTurnCursor(index, size, round int) *TurnCursor {
	if round < 1 {
		round = 1
	}
	if size > 0 {
		index = ((index % size) + size) % size
	} else {
		index = 0
	}
	return &TurnCursor{index: index, size: size, round: round}
}

// Index returns the current position.
func (c *TurnCursor) Index() int {
	return c.index
}

// Round returns the current round number (1-based).
func (c *TurnCursor) Round() int {
	return c.round
}

// Advance moves to the next entry. When the end of the order is passed the
// index wraps to zero, the round is incremented and wrapped is true.
func (c *TurnCursor) Advance() (wrapped bool) {
	if c.size == 0 {
		return false
	}
	c.index++
	if c.index >= c.size {
		c.index = 0
		c.round++
		return true
	}
	return false
}

// Retreat moves to the previous entry. Wrapping backwards decrements the
// round but never below 1.
func (c *TurnCursor) Retreat() (wrapped bool) {
	if c.size == 0 {
		return false
	}
	c.index--
	if c.index < 0 {
		c.index = c.size - 1
		if c.round > 1 {
			c.round--
		}
		return true
	}
	return false
}
