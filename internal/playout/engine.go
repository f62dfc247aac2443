// Package playout renders a guest's incoming audio stream on a fixed virtual
// clock. A receive loop fills the jitter buffer as datagrams arrive; a
// separate playout loop decodes one frame per tick no matter when, or
// whether, data showed up, falling back to FEC and then PLC for gaps.
package playout

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/wavelink/internal/audio"
	"github.com/1ureka/wavelink/internal/codec"
	"github.com/1ureka/wavelink/internal/protocol"
	"github.com/1ureka/wavelink/internal/transport"
	"github.com/1ureka/wavelink/internal/util"
	"golang.org/x/time/rate"
)

const (
	// maxSleep bounds every playout sleep so pause and stop are rechecked
	// promptly.
	maxSleep    = 5 * time.Millisecond
	joinTimeout = 500 * time.Millisecond
)

var ErrStopped = errors.New("playout: stopped")

// Config tunes the engine. Zero fields take the defaults below.
type Config struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration

	Capacity   int // jitter buffer entries
	Prebuffer  int // frames buffered before playout starts
	LatencyCap int // buffered frames that trigger a trim back to Prebuffer
	HardResync int // lateness in frames that triggers a hard resync

	ReceiveTimeout time.Duration
	IdleSleep      time.Duration // sleep while waiting for the prebuffer
	StallTimeout   time.Duration // silence on the wire that restarts the ramp, 0 disables
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.Prebuffer <= 0 {
		c.Prebuffer = 3
	}
	if c.LatencyCap <= 0 {
		c.LatencyCap = 12
	}
	if c.HardResync <= 0 {
		c.HardResync = 8
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 50 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Millisecond
	}
	return c
}

// Mode says how a rendered frame was produced.
type Mode int

const (
	ModeNormal Mode = iota
	ModeFEC
	ModePLC
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeFEC:
		return "fec"
	case ModePLC:
		return "plc"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Frame describes one rendered tick.
type Frame struct {
	Seq    uint32
	Mode   Mode
	Silent bool // paused, silence went to the sink
}

// Engine is the guest playout pipeline. Create it with NewEngine, then Start.
type Engine struct {
	cfg  Config
	conn net.PacketConn
	sink audio.Sink
	buf  *Buffer

	decMu sync.Mutex
	dec   codec.Decoder

	running atomic.Bool
	paused  atomic.Bool
	seen    atomic.Bool
	lastRx  atomic.Int64 // unix nanos of the latest valid datagram
	now     func() time.Time

	// Owned by the playout goroutine.
	started  bool
	expected uint32
	nextTick time.Time
	silence  []int16

	onFrame func(Frame)

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
	rxLog    rate.Sometimes
	decLog   rate.Sometimes
}

// NewEngine creates the decoder and the jitter buffer. A decoder that cannot
// be created is returned as an error; the session cannot stream without it.
func NewEngine(cfg Config, factory codec.Factory, conn net.PacketConn, sink audio.Sink) (*Engine, error) {
	cfg = cfg.withDefaults()
	dec, err := factory.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create %s decoder: %w", factory.Name(), err)
	}
	e := newEngine(cfg, dec, sink)
	e.conn = conn
	return e, nil
}

func newEngine(cfg Config, dec codec.Decoder, sink audio.Sink) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		sink:    sink,
		buf:     NewBuffer(cfg.Capacity),
		dec:     dec,
		now:     time.Now,
		silence: make([]int16, codec.FrameSamples(cfg.SampleRate, cfg.Channels, cfg.FrameDuration)),
		done:    make(chan struct{}),
		rxLog:   rate.Sometimes{Interval: 5 * time.Second},
		decLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// OnFrame registers an observer called from the playout goroutine after
// every rendered frame. Set it before Start.
func (e *Engine) OnFrame(fn func(Frame)) { e.onFrame = fn }

// Start launches the receive and playout loops.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(2)
	go e.receiveLoop()
	go e.playoutLoop()
	go func() {
		e.wg.Wait()
		close(e.done)
	}()
}

// Pause renders silence while the stream keeps flowing; nothing backs up.
func (e *Engine) Pause()       { e.paused.Store(true) }
func (e *Engine) Resume()      { e.paused.Store(false) }
func (e *Engine) Paused() bool { return e.paused.Load() }

// Done is closed once both loops have exited, by Stop or by a fatal error.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that ended the engine, if any.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Stop clears the running flag, closes the socket to unblock the receive
// loop and waits a bounded time for both loops. Safe to call repeatedly.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		wasRunning := e.running.Swap(false)
		if e.conn != nil {
			_ = e.conn.Close()
		}
		if wasRunning {
			select {
			case <-e.done:
			case <-time.After(joinTimeout):
				util.LogWarning("Playout loops did not exit within %s", joinTimeout)
			}
		}

		e.decMu.Lock()
		if e.dec != nil {
			_ = e.dec.Close()
			e.dec = nil
		}
		e.decMu.Unlock()
		e.buf.Clear()
	})
	return e.Err()
}

func (e *Engine) fail(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()
	e.running.Store(false)
}

// ---------------------------------------------------------------------------
// Receive loop
// ---------------------------------------------------------------------------

func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for e.running.Load() {
		_ = e.conn.SetReadDeadline(time.Now().Add(e.cfg.ReceiveTimeout))
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if !e.running.Load() {
				return
			}
			if transport.IsClosed(err) {
				e.fail(fmt.Errorf("audio socket closed: %w", err))
				return
			}
			e.rxLog.Do(func() { util.LogWarning("Audio receive error: %v", err) })
			continue
		}
		e.ingest(buf[:n])
	}
}

// ingest stores one datagram. Anything that is not our packet is dropped.
func (e *Engine) ingest(data []byte) {
	pkt, ok := protocol.Decode(data)
	if !ok {
		util.Stats.DatagramsDropped.Add(1)
		return
	}
	util.Stats.AddRecv(len(data))
	e.buf.Put(pkt.Seq, pkt.Payload)
	e.lastRx.Store(e.now().UnixNano())
	e.seen.Store(true)
}

// ---------------------------------------------------------------------------
// Playout loop
// ---------------------------------------------------------------------------

func (e *Engine) playoutLoop() {
	defer e.wg.Done()

	for e.running.Load() {
		wait := e.tick(e.now())
		if wait > maxSleep {
			wait = maxSleep
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// tick runs one step of the playout clock at now and returns how long to
// sleep before the next step.
func (e *Engine) tick(now time.Time) time.Duration {
	frame := e.cfg.FrameDuration

	if !e.started {
		if !e.seen.Load() || e.buf.Len() < e.cfg.Prebuffer {
			return e.cfg.IdleSleep
		}
		first, _ := e.buf.First()
		e.expected = first
		e.nextTick = now
		e.started = true
		util.LogDebug("Playout started at seq %d with %d frames buffered", first, e.buf.Len())
	}

	// A paused guest keeps its clock running; silence is not a stall.
	if !e.paused.Load() && e.stalled(now) {
		util.LogInfo("No audio for %s, waiting for the stream to resume", e.cfg.StallTimeout)
		e.buf.Clear()
		e.resetDecoder()
		e.seen.Store(false)
		e.started = false
		return e.cfg.IdleSleep
	}

	if now.Before(e.nextTick) {
		return e.nextTick.Sub(now)
	}

	lateness := int(now.Sub(e.nextTick) / frame)
	switch {
	case lateness > e.cfg.HardResync:
		dropped := e.buf.DropOldest(lateness)
		if first, ok := e.buf.First(); ok {
			e.expected = first
		} else {
			e.expected += uint32(lateness)
		}
		e.buf.DropBefore(e.expected)
		e.nextTick = now.Add(frame)
		e.resetDecoder()
		util.Stats.HardResyncs.Add(1)
		util.LogDebug("Hard resync: %d frames late, dropped %d, playhead now %d", lateness, dropped, e.expected)
		return frame
	case lateness > 0:
		e.nextTick = e.nextTick.Add(time.Duration(lateness) * frame)
		util.Stats.SoftResyncs.Add(1)
	}

	seq := e.expected
	pcm, mode := e.decodeNext(seq)
	paused := e.paused.Load()
	if paused || pcm == nil {
		pcm = e.silence
	}
	if err := e.sink.Write(pcm); err != nil {
		e.fail(fmt.Errorf("audio output: %w", err))
		return 0
	}
	if e.onFrame != nil {
		e.onFrame(Frame{Seq: seq, Mode: mode, Silent: paused})
	}

	e.expected++
	e.buf.DropBefore(e.expected)

	if n := e.buf.Len(); n > e.cfg.LatencyCap {
		e.buf.DropOldest(n - e.cfg.Prebuffer)
		if first, ok := e.buf.First(); ok {
			e.expected = first
		}
		e.buf.DropBefore(e.expected)
		e.nextTick = now
		e.resetDecoder()
		util.Stats.LatencyTrims.Add(1)
		util.LogDebug("Latency cap: %d frames queued, playhead now %d", n, e.expected)
	}

	e.nextTick = e.nextTick.Add(frame)
	if d := e.nextTick.Sub(now); d > 0 {
		return d
	}
	return 0
}

// decodeNext produces the frame for seq: the packet itself, else FEC from
// seq+1 (left in the buffer for its own tick), else PLC.
func (e *Engine) decodeNext(seq uint32) ([]int16, Mode) {
	e.decMu.Lock()
	defer e.decMu.Unlock()
	if e.dec == nil {
		return nil, ModePLC
	}

	if payload, ok := e.buf.Take(seq); ok {
		pcm, err := e.dec.Decode(payload)
		if err == nil {
			util.Stats.FramesNormal.Add(1)
			return pcm, ModeNormal
		}
		e.decodeFailed(seq, err)
	} else if next, ok := e.buf.Peek(seq + 1); ok {
		pcm, err := e.dec.DecodeFEC(next)
		if err == nil {
			util.Stats.FramesFEC.Add(1)
			return pcm, ModeFEC
		}
		e.decodeFailed(seq+1, err)
	}

	util.Stats.FramesPLC.Add(1)
	pcm, err := e.dec.DecodePLC()
	if err != nil {
		return nil, ModePLC
	}
	return pcm, ModePLC
}

// decodeFailed counts a payload the decoder rejected. A steady stream of
// these means the host is sending a format this decoder does not speak.
func (e *Engine) decodeFailed(seq uint32, err error) {
	util.Stats.DecodeErrors.Add(1)
	e.decLog.Do(func() {
		util.LogWarning("Frame %d could not be decoded: %v", seq, err)
	})
}

func (e *Engine) resetDecoder() {
	e.decMu.Lock()
	if e.dec != nil {
		e.dec.Reset()
	}
	e.decMu.Unlock()
}

func (e *Engine) stalled(now time.Time) bool {
	if e.cfg.StallTimeout <= 0 {
		return false
	}
	last := e.lastRx.Load()
	return last != 0 && now.Sub(time.Unix(0, last)) > e.cfg.StallTimeout
}
