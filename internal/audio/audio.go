// Package audio provides the PCM source and sink adapters the host and guest
// stream from and to. Device capture and playback live outside wavelink;
// these adapters move interleaved s16le PCM through files, pipes and
// generated test tones.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Source produces interleaved PCM samples at arbitrary read granularity.
// Close must unblock a pending Read.
type Source interface {
	Read(pcm []int16) (int, error)
	Close() error
}

// Sink consumes interleaved PCM frames.
type Sink interface {
	Write(pcm []int16) error
	Close() error
}

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Open resolves a source name: "tone" generates a 440 Hz test tone, "-"
// reads stdin, anything else is a raw s16le file. File and tone sources are
// paced to real time.
func Open(name string, f Format) (Source, error) {
	switch strings.TrimSpace(name) {
	case "", "tone":
		return NewPaced(NewTone(f, 440), f), nil
	case "-":
		return NewReaderSource(io.NopCloser(os.Stdin)), nil
	default:
		file, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open audio input: %w", err)
		}
		return NewPaced(NewReaderSource(file), f), nil
	}
}

// Create resolves a sink name: "null" discards, "-" writes stdout, anything
// else creates a raw s16le file.
func Create(name string) (Sink, error) {
	switch strings.TrimSpace(name) {
	case "", "null":
		return Discard{}, nil
	case "-":
		return NewWriterSink(nopWriteCloser{os.Stdout}), nil
	default:
		file, err := os.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create audio output: %w", err)
		}
		return NewWriterSink(file), nil
	}
}

// ReaderSource decodes s16le bytes from r.
type ReaderSource struct {
	r       io.ReadCloser
	scratch []byte
	odd     []byte // dangling byte of a split sample
	once    sync.Once
}

func NewReaderSource(r io.ReadCloser) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Read(pcm []int16) (int, error) {
	need := 2*len(pcm) - len(s.odd)
	if need <= 0 {
		return 0, nil
	}
	if cap(s.scratch) < 2*len(pcm) {
		s.scratch = make([]byte, 2*len(pcm))
	}
	buf := s.scratch[:len(s.odd)+need]
	copy(buf, s.odd)
	n, err := s.r.Read(buf[len(s.odd):])
	total := len(s.odd) + n

	samples := total / 2
	for i := 0; i < samples; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	s.odd = append(s.odd[:0], buf[2*samples:total]...)

	if samples > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return samples, err
}

func (s *ReaderSource) Close() error {
	var err error
	s.once.Do(func() { err = s.r.Close() })
	return err
}

// WriterSink encodes frames as s16le into w.
type WriterSink struct {
	w       io.WriteCloser
	scratch []byte
}

func NewWriterSink(w io.WriteCloser) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(pcm []int16) error {
	if cap(s.scratch) < 2*len(pcm) {
		s.scratch = make([]byte, 2*len(pcm))
	}
	buf := s.scratch[:2*len(pcm)]
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	_, err := s.w.Write(buf)
	return err
}

func (s *WriterSink) Close() error { return s.w.Close() }

// Discard drops every frame.
type Discard struct{}

func (Discard) Write([]int16) error { return nil }
func (Discard) Close() error        { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
