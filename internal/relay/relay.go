// Package relay is the host side of the audio stream: it frames captured
// PCM, encodes each frame once and fans the datagram out to every playing
// guest.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/wavelink/internal/audio"
	"github.com/1ureka/wavelink/internal/codec"
	"github.com/1ureka/wavelink/internal/protocol"
	"github.com/1ureka/wavelink/internal/util"
	"golang.org/x/time/rate"
)

const joinTimeout = 500 * time.Millisecond

var (
	ErrStopped = errors.New("relay: stopped")
	ErrStarted = errors.New("relay: already started")
)

// Targets yields the endpoints that receive the next frame. The slice must
// be a consistent copy; the relay never mutates it.
type Targets interface {
	SnapshotPlayingEndpoints() []net.Addr
}

type Config struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
	Loss          codec.LossHints
}

// Relay owns the capture loop, the encoder and the outgoing audio socket.
type Relay struct {
	cfg          Config
	frameSamples int
	targets      Targets
	conn         net.PacketConn

	encMu sync.Mutex
	enc   codec.Encoder

	src     audio.Source
	seq     uint32
	out     []byte
	epoch   time.Time
	now     func() time.Time
	sendLog rate.Sometimes

	lifeMu   sync.Mutex
	started  bool
	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New creates the encoder and applies the loss hints. Failing to create the
// encoder is fatal to the session and returned as is.
func New(cfg Config, factory codec.Factory, targets Targets, conn net.PacketConn) (*Relay, error) {
	frameSamples := codec.FrameSamples(cfg.SampleRate, cfg.Channels, cfg.FrameDuration)
	if frameSamples <= 0 {
		return nil, fmt.Errorf("relay: frame of %s holds no samples", cfg.FrameDuration)
	}
	enc, err := factory.NewEncoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create %s encoder: %w", factory.Name(), err)
	}
	if err := enc.SetLossResilience(cfg.Loss); err != nil {
		util.LogWarning("Encoder ignored loss hints: %v", err)
	}

	return &Relay{
		cfg:          cfg,
		frameSamples: frameSamples,
		targets:      targets,
		conn:         conn,
		enc:          enc,
		out:          make([]byte, 0, protocol.MaxDatagramSize),
		now:          time.Now,
		sendLog:      rate.Sometimes{Interval: 5 * time.Second},
		done:         make(chan struct{}),
	}, nil
}

// Start runs the capture loop on its own goroutine until Stop, a capture
// error or the end of the source.
func (r *Relay) Start(src audio.Source) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.stopping.Load() {
		return ErrStopped
	}
	if r.started {
		return ErrStarted
	}
	r.started = true
	r.src = src
	r.epoch = r.now()
	go r.captureLoop()
	return nil
}

// Done is closed when the capture loop exits.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err returns the capture error that ended the relay, if any.
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stop closes the capture source first so no new frame is produced, then
// the encoder, then the socket. Calls after the first are no-ops.
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() {
		r.lifeMu.Lock()
		r.stopping.Store(true)
		started := r.started
		r.lifeMu.Unlock()

		if started {
			if err := r.src.Close(); err != nil {
				util.LogDebug("Closing audio source: %v", err)
			}
			select {
			case <-r.done:
			case <-time.After(joinTimeout):
				util.LogWarning("Capture loop did not exit within %s", joinTimeout)
			}
		}

		r.encMu.Lock()
		if r.enc != nil {
			_ = r.enc.Close()
			r.enc = nil
		}
		r.encMu.Unlock()

		_ = r.conn.Close()
	})
	return r.Err()
}

func (r *Relay) captureLoop() {
	defer close(r.done)

	asm := NewAssembler(r.frameSamples)
	buf := make([]int16, r.frameSamples)
	for !r.stopping.Load() {
		n, err := r.src.Read(buf)
		if n > 0 {
			asm.Push(buf[:n], r.sendFrame)
		}
		if err == nil {
			continue
		}
		if r.stopping.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			util.LogInfo("Audio input ended")
			return
		}
		r.errMu.Lock()
		r.err = fmt.Errorf("audio capture: %w", err)
		r.errMu.Unlock()
		util.LogError("Audio capture failed: %v", err)
		return
	}
}

// sendFrame encodes one frame exactly once and sends the same datagram to
// every endpoint in a single snapshot. Per-guest send errors are counted
// and logged, never returned.
func (r *Relay) sendFrame(pcm []int16) {
	r.encMu.Lock()
	if r.enc == nil {
		r.encMu.Unlock()
		return
	}
	payload, err := r.enc.Encode(pcm)
	r.encMu.Unlock()

	seq := r.seq
	r.seq++
	if err != nil {
		r.sendLog.Do(func() { util.LogWarning("Encode frame %d: %v", seq, err) })
		return
	}
	util.Stats.FramesEncoded.Add(1)

	ts := uint32(r.now().Sub(r.epoch).Milliseconds())
	r.out = protocol.AppendEncode(r.out[:0], seq, ts, payload)
	if len(r.out) > protocol.MaxDatagramSize {
		r.sendLog.Do(func() {
			util.LogWarning("Frame %d is %d bytes, over the %d byte datagram limit; dropped",
				seq, len(r.out), protocol.MaxDatagramSize)
		})
		return
	}

	for _, addr := range r.targets.SnapshotPlayingEndpoints() {
		if _, err := r.conn.WriteTo(r.out, addr); err != nil {
			util.Stats.SendErrors.Add(1)
			r.sendLog.Do(func() { util.LogWarning("Send to %s: %v", addr, err) })
			continue
		}
		util.Stats.AddSent(len(r.out))
	}
}
