package codec

import (
	"encoding/binary"
	"time"
)

// μ-law payload layout:
//
//	flags(1) | primaryLen(2, BE) | primary | redundant
//
// With FEC enabled the redundant block carries the previous frame at half
// the sample rate, so a lost frame can be rebuilt from the packet after it.
const (
	mulawHeaderSize    = 3
	mulawFlagRedundant = 0x01

	mulawBias = 0x84
	mulawClip = 32635
)

type mulawFactory struct {
	frame time.Duration
}

func (f *mulawFactory) Name() string { return NameMuLaw }

func (f *mulawFactory) NewEncoder(sampleRate, channels int) (Encoder, error) {
	n, err := checkFormat(sampleRate, channels, f.frame)
	if err != nil {
		return nil, err
	}
	return &mulawEncoder{frameLen: n, channels: channels}, nil
}

func (f *mulawFactory) NewDecoder(sampleRate, channels int) (Decoder, error) {
	n, err := checkFormat(sampleRate, channels, f.frame)
	if err != nil {
		return nil, err
	}
	return &mulawDecoder{frameLen: n, channels: channels, plc: newConcealer(n)}, nil
}

type mulawEncoder struct {
	frameLen int
	channels int
	fec      bool
	prev     []byte // previous frame, decimated and encoded
	closed   bool
}

func (e *mulawEncoder) Encode(pcm []int16) ([]byte, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if len(pcm) != e.frameLen {
		return nil, ErrFrameSize
	}

	redundant := 0
	if e.fec && e.prev != nil {
		redundant = len(e.prev)
	}
	out := make([]byte, mulawHeaderSize+len(pcm)+redundant)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(pcm)))
	for i, s := range pcm {
		out[mulawHeaderSize+i] = linearToMulaw(s)
	}
	if redundant > 0 {
		out[0] |= mulawFlagRedundant
		copy(out[mulawHeaderSize+len(pcm):], e.prev)
	}

	if e.fec {
		e.prev = encodeDecimated(e.prev, pcm, e.channels)
	}
	return out, nil
}

func (e *mulawEncoder) SetLossResilience(h LossHints) error {
	if e.closed {
		return ErrClosed
	}
	e.fec = h.FEC && h.ExpectedLossPercent > 0
	if !e.fec {
		e.prev = nil
	}
	return nil
}

func (e *mulawEncoder) Close() error {
	e.closed = true
	e.prev = nil
	return nil
}

// encodeDecimated keeps every other sample frame of pcm and μ-law encodes it.
func encodeDecimated(dst []byte, pcm []int16, channels int) []byte {
	frames := len(pcm) / channels
	n := (frames + 1) / 2 * channels
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	j := 0
	for f := 0; f < frames; f += 2 {
		for c := 0; c < channels; c++ {
			dst[j] = linearToMulaw(pcm[f*channels+c])
			j++
		}
	}
	return dst
}

type mulawDecoder struct {
	frameLen int
	channels int
	plc      *concealer
	closed   bool
}

func (d *mulawDecoder) split(payload []byte) (primary, redundant []byte, err error) {
	if len(payload) < mulawHeaderSize {
		return nil, nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	if n != d.frameLen || len(payload) < mulawHeaderSize+n {
		return nil, nil, ErrCorrupt
	}
	primary = payload[mulawHeaderSize : mulawHeaderSize+n]
	if payload[0]&mulawFlagRedundant != 0 {
		redundant = payload[mulawHeaderSize+n:]
	}
	return primary, redundant, nil
}

func (d *mulawDecoder) Decode(payload []byte) ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	primary, _, err := d.split(payload)
	if err != nil {
		return nil, err
	}
	out := make([]int16, d.frameLen)
	for i, b := range primary {
		out[i] = mulawToLinear(b)
	}
	d.plc.remember(out)
	return out, nil
}

func (d *mulawDecoder) DecodeFEC(next []byte) ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	primary, redundant, err := d.split(next)
	if err != nil {
		return nil, err
	}
	if len(redundant) == 0 {
		following := make([]int16, d.frameLen)
		for i, b := range primary {
			following[i] = mulawToLinear(b)
		}
		return d.plc.bridge(following), nil
	}

	// Upsample the half-rate copy by repeating each sample frame.
	out := make([]int16, d.frameLen)
	frames := d.frameLen / d.channels
	for f := 0; f < frames; f++ {
		src := (f / 2) * d.channels
		for c := 0; c < d.channels; c++ {
			if src+c < len(redundant) {
				out[f*d.channels+c] = mulawToLinear(redundant[src+c])
			}
		}
	}
	d.plc.remember(out)
	return out, nil
}

func (d *mulawDecoder) DecodePLC() ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	return d.plc.conceal(), nil
}

func (d *mulawDecoder) Reset() { d.plc.reset() }

func (d *mulawDecoder) Close() error {
	d.closed = true
	return nil
}

func linearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
