package codec

// maxConcealStreak caps how many consecutive frames are synthesized from the
// last good frame before output decays to silence.
const maxConcealStreak = 8

// concealer keeps the last good frame and synthesizes replacements from it.
type concealer struct {
	frameLen int
	last     []int16
	streak   int
}

func newConcealer(frameLen int) *concealer {
	return &concealer{frameLen: frameLen}
}

func (c *concealer) remember(frame []int16) {
	if c.last == nil {
		c.last = make([]int16, c.frameLen)
	}
	copy(c.last, frame)
	c.streak = 0
}

// conceal repeats the last good frame, halving its amplitude on every
// consecutive loss.
func (c *concealer) conceal() []int16 {
	out := make([]int16, c.frameLen)
	if c.last == nil || c.streak >= maxConcealStreak {
		c.streak++
		return out
	}
	c.streak++
	shift := uint(c.streak)
	for i, s := range c.last {
		out[i] = s >> shift
	}
	return out
}

// bridge builds a frame between the last good frame and the frame that
// follows the gap, crossfading linearly from one to the other.
func (c *concealer) bridge(next []int16) []int16 {
	out := make([]int16, c.frameLen)
	n := len(out)
	for i := range out {
		var a, b int32
		if c.last != nil {
			a = int32(c.last[i])
		}
		if i < len(next) {
			b = int32(next[i])
		}
		out[i] = int16((a*int32(n-i) + b*int32(i)) / int32(n))
	}
	c.streak = 0
	return out
}

func (c *concealer) reset() {
	c.last = nil
	c.streak = 0
}
