package playout

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/wavelink/internal/codec"
	"github.com/1ureka/wavelink/internal/protocol"
	"github.com/1ureka/wavelink/internal/transport"
	"github.com/1ureka/wavelink/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameDur = 10 * time.Millisecond

// fakeDecoder marks every frame so tests can tell how it was produced:
// normal frames carry payload[0]+100, FEC frames -1, PLC frames -2.
type fakeDecoder struct {
	frameLen int
	resets   int
	closed   bool
	reject   bool // Decode and DecodeFEC fail as for a foreign format
}

func (d *fakeDecoder) fill(v int16) []int16 {
	out := make([]int16, d.frameLen)
	for i := range out {
		out[i] = v
	}
	return out
}

func (d *fakeDecoder) Decode(p []byte) ([]int16, error) {
	if d.reject {
		return nil, codec.ErrCorrupt
	}
	return d.fill(int16(p[0]) + 100), nil
}

func (d *fakeDecoder) DecodeFEC([]byte) ([]int16, error) {
	if d.reject {
		return nil, codec.ErrCorrupt
	}
	return d.fill(-1), nil
}

func (d *fakeDecoder) DecodePLC() ([]int16, error) { return d.fill(-2), nil }
func (d *fakeDecoder) Reset()                      { d.resets++ }
func (d *fakeDecoder) Close() error                { d.closed = true; return nil }

type captureSink struct {
	mu     sync.Mutex
	frames [][]int16
}

func (s *captureSink) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]int16(nil), pcm...))
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type harness struct {
	e      *Engine
	dec    *fakeDecoder
	sink   *captureSink
	now    time.Time
	frames []Frame
}

func newHarness(cfg Config) *harness {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
		cfg.Channels = 1
	}
	cfg.FrameDuration = frameDur
	h := &harness{
		dec:  &fakeDecoder{frameLen: codec.FrameSamples(cfg.SampleRate, cfg.Channels, frameDur)},
		sink: &captureSink{},
		now:  time.Unix(1_700_000_000, 0),
	}
	h.e = newEngine(cfg, h.dec, h.sink)
	h.e.now = func() time.Time { return h.now }
	h.e.OnFrame(func(f Frame) { h.frames = append(h.frames, f) })
	return h
}

func (h *harness) push(seqs ...uint32) {
	for _, seq := range seqs {
		h.e.ingest(protocol.Encode(seq, 0, []byte{byte(seq)}))
	}
}

func (h *harness) pushRange(from, to uint32) {
	for seq := from; seq <= to; seq++ {
		h.push(seq)
	}
}

// step ticks at the current instant, then moves the clock one frame on.
func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.e.tick(h.now)
		h.now = h.now.Add(frameDur)
	}
}

func (h *harness) seqs() []uint32 {
	out := make([]uint32, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.Seq
	}
	return out
}

func (h *harness) modes() []Mode {
	out := make([]Mode, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.Mode
	}
	return out
}

func TestStartupRamp(t *testing.T) {
	h := newHarness(Config{Prebuffer: 3})

	assert.Equal(t, h.e.cfg.IdleSleep, h.e.tick(h.now), "nothing received yet")
	h.push(7, 8)
	h.e.tick(h.now)
	assert.Empty(t, h.frames, "below prebuffer")

	h.push(9)
	h.step(1)
	assert.Equal(t, []uint32{7}, h.seqs())
}

func TestInOrderPlayout(t *testing.T) {
	h := newHarness(Config{})
	h.pushRange(0, 9)
	h.step(10)

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, h.seqs())
	for _, m := range h.modes() {
		assert.Equal(t, ModeNormal, m)
	}
	assert.Zero(t, h.e.buf.Len())

	h.sink.mu.Lock()
	assert.Equal(t, int16(100), h.sink.frames[0][0])
	assert.Equal(t, int16(109), h.sink.frames[9][0])
	h.sink.mu.Unlock()
}

func TestUnderrunAfterStartUsesPLC(t *testing.T) {
	h := newHarness(Config{})
	h.pushRange(0, 2)
	h.step(5)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, h.seqs())
	assert.Equal(t, []Mode{ModeNormal, ModeNormal, ModeNormal, ModePLC, ModePLC}, h.modes())
}

func TestFECKeepsNextPacket(t *testing.T) {
	h := newHarness(Config{})
	h.push(0, 1, 2, 4, 5)
	h.step(4)

	assert.Equal(t, []uint32{0, 1, 2, 3}, h.seqs())
	assert.Equal(t, ModeFEC, h.frames[3].Mode)
	_, ok := h.e.buf.Peek(4)
	assert.True(t, ok, "seq 4 must survive the FEC decode of seq 3")

	h.step(2)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, h.seqs())
	assert.Equal(t, ModeNormal, h.frames[4].Mode)
}

func TestPLCWhenBothMissing(t *testing.T) {
	h := newHarness(Config{})
	h.push(0, 1, 2, 5, 6)
	h.step(7)

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6}, h.seqs())
	assert.Equal(t, []Mode{ModeNormal, ModeNormal, ModeNormal, ModePLC, ModeFEC, ModeNormal, ModeNormal}, h.modes())
}

func TestHardResync(t *testing.T) {
	h := newHarness(Config{LatencyCap: 100, HardResync: 8})
	h.pushRange(0, 30)
	h.step(1)
	require.Equal(t, []uint32{0}, h.seqs())

	// The playout thread was frozen for 20 frames.
	h.now = h.now.Add(20 * frameDur)
	wait := h.e.tick(h.now)
	assert.Equal(t, frameDur, wait, "the clock restarts one frame from now")
	assert.Equal(t, []uint32{0}, h.seqs())

	h.now = h.now.Add(frameDur)
	h.step(3)
	assert.Equal(t, []uint32{0, 21, 22, 23}, h.seqs())
	assert.Equal(t, 1, h.dec.resets)
	_, ok := h.e.buf.Peek(20)
	assert.False(t, ok)
}

func TestHardResyncOnEmptyBuffer(t *testing.T) {
	h := newHarness(Config{HardResync: 4})
	h.pushRange(0, 2)
	h.step(3)
	h.now = h.now.Add(10 * frameDur)
	h.step(1)
	require.Len(t, h.seqs(), 3, "nothing rendered on the resync tick")

	h.step(1)
	seqs := h.seqs()
	require.Len(t, seqs, 4)
	assert.Equal(t, uint32(13), seqs[3])

	h.push(12, 14)
	h.step(1)
	assert.Equal(t, uint32(14), h.seqs()[4], "late seq 12 is behind the playhead")
}

func TestSoftResyncSkipsTicksNotAudio(t *testing.T) {
	h := newHarness(Config{HardResync: 8})
	h.pushRange(0, 9)
	h.step(1)

	h.now = h.now.Add(3 * frameDur)
	h.e.tick(h.now)
	assert.Equal(t, []uint32{0, 1}, h.seqs())
	assert.Equal(t, 0, h.dec.resets)

	// The clock jumped forward by the missed ticks, so the next frame is
	// due one frame from now.
	wait := h.e.tick(h.now)
	assert.Equal(t, frameDur, wait)
	assert.Len(t, h.frames, 2)

	h.now = h.now.Add(frameDur)
	h.e.tick(h.now)
	assert.Equal(t, []uint32{0, 1, 2}, h.seqs())
}

func TestLatencyCapTrims(t *testing.T) {
	h := newHarness(Config{Prebuffer: 3, LatencyCap: 12})
	h.pushRange(0, 29)
	h.step(1)

	assert.Equal(t, []uint32{0}, h.seqs())
	assert.Equal(t, 3, h.e.buf.Len())
	assert.Equal(t, 1, h.dec.resets)

	h.step(3)
	assert.Equal(t, []uint32{0, 27, 28, 29}, h.seqs())
}

func TestPauseRendersSilenceAndAdvances(t *testing.T) {
	h := newHarness(Config{})
	h.pushRange(0, 4)

	h.e.Pause()
	h.step(2)
	h.e.Resume()
	h.step(1)

	assert.Equal(t, []uint32{0, 1, 2}, h.seqs())
	assert.True(t, h.frames[0].Silent)
	assert.True(t, h.frames[1].Silent)
	assert.False(t, h.frames[2].Silent)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, int16(0), h.sink.frames[0][0])
	assert.Equal(t, int16(102), h.sink.frames[2][0])
}

func TestPausedEngineDoesNotStall(t *testing.T) {
	h := newHarness(Config{StallTimeout: 100 * time.Millisecond})
	h.pushRange(0, 4)
	h.e.Pause()

	// 30 ticks with no new datagrams, three times the stall timeout.
	h.step(30)

	require.Len(t, h.frames, 30)
	for _, f := range h.frames {
		assert.True(t, f.Silent)
	}
	assert.Zero(t, h.dec.resets)
	assert.Equal(t, uint32(29), h.frames[29].Seq)
}

func TestDecodeFailuresAreCounted(t *testing.T) {
	h := newHarness(Config{})
	h.dec.reject = true
	before := util.Stats.DecodeErrors.Load()

	h.pushRange(0, 4)
	h.step(3)

	assert.Equal(t, []Mode{ModePLC, ModePLC, ModePLC}, h.modes())
	assert.Equal(t, int64(3), util.Stats.DecodeErrors.Load()-before)
}

func TestDuplicateAndForeignDatagrams(t *testing.T) {
	h := newHarness(Config{})
	h.e.ingest([]byte("not a packet at all"))
	assert.False(t, h.e.seen.Load())

	h.push(3, 3, 3)
	assert.Equal(t, 1, h.e.buf.Len())
}

func TestStallRestartsRamp(t *testing.T) {
	h := newHarness(Config{StallTimeout: 100 * time.Millisecond})
	h.pushRange(0, 4)
	h.step(1)

	h.now = h.now.Add(200 * time.Millisecond)
	h.e.tick(h.now)
	assert.Len(t, h.frames, 1, "nothing rendered while stalled")
	assert.Zero(t, h.e.buf.Len())
	assert.Equal(t, 1, h.dec.resets)

	h.pushRange(50, 53)
	h.step(1)
	assert.Equal(t, []uint32{0, 50}, h.seqs())
}

func TestPlayoutNeverRewinds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newHarness(Config{Capacity: 32, Prebuffer: 3, LatencyCap: 12, HardResync: 8})

	type arrival struct {
		at  time.Time
		seq uint32
	}
	start := h.now
	var pending []arrival
	for seq := uint32(0); seq < 2000; seq++ {
		if rng.Intn(10) == 0 {
			continue // lost
		}
		sent := start.Add(time.Duration(seq) * frameDur)
		pending = append(pending, arrival{sent.Add(time.Duration(rng.Intn(60)) * time.Millisecond), seq})
		if rng.Intn(20) == 0 {
			pending = append(pending, arrival{sent.Add(time.Duration(rng.Intn(80)) * time.Millisecond), seq})
		}
	}

	end := start.Add(2100 * frameDur)
	for h.now.Before(end) {
		kept := pending[:0]
		for _, a := range pending {
			if !a.at.After(h.now) {
				h.push(a.seq)
				require.LessOrEqual(t, h.e.buf.Len(), 32)
			} else {
				kept = append(kept, a)
			}
		}
		pending = kept

		if rng.Intn(2000) == 0 {
			h.now = h.now.Add(time.Duration(10+rng.Intn(30)) * frameDur) // scheduler freeze
			continue
		}
		h.e.tick(h.now)
		h.now = h.now.Add(time.Millisecond)
	}

	seqs := h.seqs()
	require.Greater(t, len(seqs), 1000)
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "frame %d", i)
	}
}

func TestEngineOverUDP(t *testing.T) {
	rx, err := transport.ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	tx, err := transport.ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	defer tx.Close()

	factory, err := codec.NewFactory(codec.NamePCM, frameDur)
	require.NoError(t, err)
	sink := &captureSink{}
	e, err := NewEngine(Config{
		SampleRate:    8000,
		Channels:      1,
		FrameDuration: frameDur,
		Prebuffer:     2,
	}, factory, rx, sink)
	require.NoError(t, err)
	e.Start()

	enc, err := factory.NewEncoder(8000, 1)
	require.NoError(t, err)
	pcm := make([]int16, codec.FrameSamples(8000, 1, frameDur))
	go func() {
		for seq := uint32(0); seq < 40; seq++ {
			payload, _ := enc.Encode(pcm)
			_, _ = tx.WriteTo(protocol.Encode(seq, seq*10, payload), rx.LocalAddr())
			time.Sleep(frameDur)
		}
	}()

	require.Eventually(t, func() bool { return sink.count() >= 10 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine loops did not exit")
	}
}

func TestNewEngineDecoderFailure(t *testing.T) {
	factory, err := codec.NewFactory(codec.NamePCM, frameDur)
	require.NoError(t, err)
	_, err = NewEngine(Config{SampleRate: 48000, Channels: 5}, factory, nil, &captureSink{})
	assert.Error(t, err)
}
