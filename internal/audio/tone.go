package audio

import (
	"io"
	"math"
	"sync/atomic"
	"time"
)

// Tone is an endless sine source.
type Tone struct {
	format Format
	step   float64
	phase  float64
	closed atomic.Bool
}

func NewTone(f Format, hz float64) *Tone {
	return &Tone{format: f, step: 2 * math.Pi * hz / float64(f.SampleRate)}
}

func (t *Tone) Read(pcm []int16) (int, error) {
	if t.closed.Load() {
		return 0, io.EOF
	}
	ch := t.format.Channels
	n := len(pcm) / ch * ch
	for i := 0; i < n; i += ch {
		v := int16(6000 * math.Sin(t.phase))
		for c := 0; c < ch; c++ {
			pcm[i+c] = v
		}
		t.phase += t.step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

func (t *Tone) Close() error {
	t.closed.Store(true)
	return nil
}

// Paced releases samples from an inner source no faster than real time, the
// way a capture device would.
type Paced struct {
	src     Source
	format  Format
	start   time.Time
	samples int64
	done    chan struct{}
	closed  atomic.Bool
}

func NewPaced(src Source, f Format) *Paced {
	return &Paced{src: src, format: f, done: make(chan struct{})}
}

func (p *Paced) Read(pcm []int16) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	due := p.start.Add(time.Duration(p.samples) * time.Second /
		time.Duration(p.format.SampleRate*p.format.Channels))
	if wait := time.Until(due); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.done:
			timer.Stop()
			return 0, io.EOF
		}
	}
	n, err := p.src.Read(pcm)
	p.samples += int64(n)
	return n, err
}

func (p *Paced) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
		return p.src.Close()
	}
	return nil
}
