package codec

import (
	"encoding/binary"
	"time"
)

// pcmFactory ships raw little-endian s16 frames. It has no in-band
// redundancy, so DecodeFEC crossfades into the following frame.
type pcmFactory struct {
	frame time.Duration
}

func (f *pcmFactory) Name() string { return NamePCM }

func (f *pcmFactory) NewEncoder(sampleRate, channels int) (Encoder, error) {
	n, err := checkFormat(sampleRate, channels, f.frame)
	if err != nil {
		return nil, err
	}
	return &pcmEncoder{frameLen: n}, nil
}

func (f *pcmFactory) NewDecoder(sampleRate, channels int) (Decoder, error) {
	n, err := checkFormat(sampleRate, channels, f.frame)
	if err != nil {
		return nil, err
	}
	return &pcmDecoder{frameLen: n, plc: newConcealer(n)}, nil
}

type pcmEncoder struct {
	frameLen int
	closed   bool
}

func (e *pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if len(pcm) != e.frameLen {
		return nil, ErrFrameSize
	}
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

func (e *pcmEncoder) SetLossResilience(LossHints) error {
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *pcmEncoder) Close() error {
	e.closed = true
	return nil
}

type pcmDecoder struct {
	frameLen int
	plc      *concealer
	closed   bool
}

func (d *pcmDecoder) unpack(payload []byte) ([]int16, error) {
	if len(payload) != 2*d.frameLen {
		return nil, ErrCorrupt
	}
	out := make([]int16, d.frameLen)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return out, nil
}

func (d *pcmDecoder) Decode(payload []byte) ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	out, err := d.unpack(payload)
	if err != nil {
		return nil, err
	}
	d.plc.remember(out)
	return out, nil
}

func (d *pcmDecoder) DecodeFEC(next []byte) ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	following, err := d.unpack(next)
	if err != nil {
		return nil, err
	}
	return d.plc.bridge(following), nil
}

func (d *pcmDecoder) DecodePLC() ([]int16, error) {
	if d.closed {
		return nil, ErrClosed
	}
	return d.plc.conceal(), nil
}

func (d *pcmDecoder) Reset() { d.plc.reset() }

func (d *pcmDecoder) Close() error {
	d.closed = true
	return nil
}
