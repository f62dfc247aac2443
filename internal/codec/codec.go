// Package codec defines the audio codec contract the relay and the playout
// engine depend on, plus the codecs shipped with wavelink.
//
// PCM frames are interleaved signed 16-bit samples. One frame always covers
// the fixed frame duration the factory was created with.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrFrameSize = errors.New("codec: pcm frame has wrong length")
	ErrClosed    = errors.New("codec: closed")
	ErrCorrupt   = errors.New("codec: corrupt payload")
)

// LossHints tune an encoder for a lossy network.
type LossHints struct {
	ExpectedLossPercent int
	FEC                 bool
	Bitrate             int // bits per second, 0 = codec default
	Complexity          int // 0..10, codecs without a knob ignore it
}

// Encoder turns one PCM frame into one payload. Encoders are stateful and
// not safe for concurrent use.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	SetLossResilience(h LossHints) error
	Close() error
}

// Decoder turns payloads back into PCM frames. Decoders are stateful and not
// safe for concurrent use.
type Decoder interface {
	// Decode decodes the payload of the frame being played.
	Decode(payload []byte) ([]int16, error)
	// DecodeFEC reconstructs the missing frame that precedes next, using
	// next's payload as side information. next is not consumed.
	DecodeFEC(next []byte) ([]int16, error)
	// DecodePLC synthesizes a frame with no network data at all.
	DecodePLC() ([]int16, error)
	// Reset clears state that assumed contiguous input.
	Reset()
	Close() error
}

// Factory creates encoders and decoders for one codec.
type Factory interface {
	Name() string
	NewEncoder(sampleRate, channels int) (Encoder, error)
	NewDecoder(sampleRate, channels int) (Decoder, error)
}

const (
	NamePCM   = "pcm"
	NameMuLaw = "mulaw"
)

// NewFactory returns the factory for name. frame is the fixed frame duration
// both ends agree on.
func NewFactory(name string, frame time.Duration) (Factory, error) {
	if frame <= 0 {
		return nil, fmt.Errorf("codec: invalid frame duration %s", frame)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NamePCM:
		return &pcmFactory{frame: frame}, nil
	case NameMuLaw, "ulaw", "g711":
		return &mulawFactory{frame: frame}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// FrameSamples returns the number of interleaved samples in one frame.
func FrameSamples(sampleRate, channels int, frame time.Duration) int {
	return int(int64(sampleRate)*int64(frame)/int64(time.Second)) * channels
}

func checkFormat(sampleRate, channels int, frame time.Duration) (int, error) {
	if sampleRate <= 0 || channels <= 0 || channels > 2 {
		return 0, fmt.Errorf("codec: unsupported format %d Hz x %d ch", sampleRate, channels)
	}
	n := FrameSamples(sampleRate, channels, frame)
	if n <= 0 {
		return 0, fmt.Errorf("codec: frame of %s at %d Hz holds no samples", frame, sampleRate)
	}
	return n, nil
}
