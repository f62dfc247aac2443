package relay

// Assembler cuts a PCM stream of arbitrary read sizes into fixed frames.
// Residue shorter than a frame is kept for the next Push.
type Assembler struct {
	frame []int16
	n     int
}

func NewAssembler(frameSamples int) *Assembler {
	return &Assembler{frame: make([]int16, frameSamples)}
}

// Push appends samples and calls emit once per completed frame. The frame
// slice is reused; emit must not retain it.
func (a *Assembler) Push(samples []int16, emit func(frame []int16)) {
	for len(samples) > 0 {
		c := copy(a.frame[a.n:], samples)
		a.n += c
		samples = samples[c:]
		if a.n == len(a.frame) {
			emit(a.frame)
			a.n = 0
		}
	}
}

// Pending returns the number of buffered samples not yet forming a frame.
func (a *Assembler) Pending() int { return a.n }

// Reset drops the residue.
func (a *Assembler) Reset() { a.n = 0 }
