package codec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate     = 48000
	testChannels = 2
	testFrame    = 10 * time.Millisecond
)

func sine(n int, phase float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(phase+float64(i/testChannels)*2*math.Pi*440/testRate))
	}
	return out
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestNewFactory(t *testing.T) {
	for _, name := range []string{"pcm", "mulaw", "ULAW", " g711 "} {
		f, err := NewFactory(name, testFrame)
		require.NoError(t, err, name)
		assert.NotEmpty(t, f.Name())
	}

	_, err := NewFactory("opus", testFrame)
	assert.Error(t, err)
	_, err = NewFactory("pcm", 0)
	assert.Error(t, err)
}

func TestFrameSamples(t *testing.T) {
	assert.Equal(t, 960, FrameSamples(48000, 2, 10*time.Millisecond))
	assert.Equal(t, 960, FrameSamples(48000, 1, 20*time.Millisecond))
}

func TestUnsupportedFormat(t *testing.T) {
	f, err := NewFactory(NamePCM, testFrame)
	require.NoError(t, err)
	_, err = f.NewEncoder(48000, 3)
	assert.Error(t, err)
	_, err = f.NewDecoder(0, 2)
	assert.Error(t, err)
}

func TestPCMRoundTrip(t *testing.T) {
	f, _ := NewFactory(NamePCM, testFrame)
	enc, err := f.NewEncoder(testRate, testChannels)
	require.NoError(t, err)
	dec, err := f.NewDecoder(testRate, testChannels)
	require.NoError(t, err)

	in := sine(FrameSamples(testRate, testChannels, testFrame), 0)
	payload, err := enc.Encode(in)
	require.NoError(t, err)
	assert.Len(t, payload, 2*len(in))

	out, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeRejectsWrongFrameSize(t *testing.T) {
	for _, name := range []string{NamePCM, NameMuLaw} {
		f, _ := NewFactory(name, testFrame)
		enc, err := f.NewEncoder(testRate, testChannels)
		require.NoError(t, err)
		_, err = enc.Encode(make([]int16, 10))
		assert.ErrorIs(t, err, ErrFrameSize, name)
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	for _, name := range []string{NamePCM, NameMuLaw} {
		f, _ := NewFactory(name, testFrame)
		dec, err := f.NewDecoder(testRate, testChannels)
		require.NoError(t, err)
		_, err = dec.Decode([]byte{1, 2})
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}

func TestClosedCodec(t *testing.T) {
	f, _ := NewFactory(NameMuLaw, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)
	require.NoError(t, enc.Close())
	require.NoError(t, dec.Close())

	_, err := enc.Encode(make([]int16, FrameSamples(testRate, testChannels, testFrame)))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = dec.DecodePLC()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMulawCompanding(t *testing.T) {
	for _, v := range []int16{0, 1, -1, 100, -100, 1000, -1000, 12345, -12345, 32767, -32768} {
		got := int32(mulawToLinear(linearToMulaw(v)))
		tol := abs(int32(v))/8 + 16
		if v == 32767 || v == -32768 {
			tol = 1100
		}
		assert.LessOrEqual(t, abs(got-int32(v)), tol, "sample %d decoded as %d", v, got)
	}
}

func TestMulawRoundTrip(t *testing.T) {
	f, _ := NewFactory(NameMuLaw, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)

	in := sine(FrameSamples(testRate, testChannels, testFrame), 0)
	payload, err := enc.Encode(in)
	require.NoError(t, err)
	assert.Len(t, payload, mulawHeaderSize+len(in))

	out, err := dec.Decode(payload)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.LessOrEqual(t, abs(int32(out[i])-int32(in[i])), abs(int32(in[i]))/8+16)
	}
}

func TestMulawFECRecoversLostFrame(t *testing.T) {
	f, _ := NewFactory(NameMuLaw, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)
	require.NoError(t, enc.SetLossResilience(LossHints{ExpectedLossPercent: 10, FEC: true}))

	n := FrameSamples(testRate, testChannels, testFrame)
	first := sine(n, 0)
	lost := sine(n, 1)
	next := sine(n, 2)

	p0, _ := enc.Encode(first)
	_, _ = enc.Encode(lost)
	p2, _ := enc.Encode(next)

	assert.Equal(t, byte(0), p0[0]&mulawFlagRedundant, "first frame has nothing to repeat")
	assert.NotZero(t, p2[0]&mulawFlagRedundant)

	rebuilt, err := dec.DecodeFEC(p2)
	require.NoError(t, err)
	require.Len(t, rebuilt, n)
	// Even-indexed sample frames come straight from the half-rate copy.
	for f := 0; f < n/testChannels; f += 2 {
		for c := 0; c < testChannels; c++ {
			i := f*testChannels + c
			assert.LessOrEqual(t, abs(int32(rebuilt[i])-int32(lost[i])), abs(int32(lost[i]))/8+16)
		}
	}

	out, err := dec.Decode(p2)
	require.NoError(t, err)
	assert.Len(t, out, n)
}

func TestMulawFECDisabledOmitsRedundancy(t *testing.T) {
	f, _ := NewFactory(NameMuLaw, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	require.NoError(t, enc.SetLossResilience(LossHints{ExpectedLossPercent: 0, FEC: true}))

	n := FrameSamples(testRate, testChannels, testFrame)
	_, _ = enc.Encode(sine(n, 0))
	p, _ := enc.Encode(sine(n, 1))
	assert.Len(t, p, mulawHeaderSize+n)
}

func TestFECWithoutRedundancyBridges(t *testing.T) {
	f, _ := NewFactory(NamePCM, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)

	n := FrameSamples(testRate, testChannels, testFrame)
	before := make([]int16, n)
	after := make([]int16, n)
	for i := range before {
		before[i] = 1000
		after[i] = 3000
	}
	p0, _ := enc.Encode(before)
	p2, _ := enc.Encode(after)
	_, err := dec.Decode(p0)
	require.NoError(t, err)

	out, err := dec.DecodeFEC(p2)
	require.NoError(t, err)
	assert.Equal(t, int16(1000), out[0])
	assert.Greater(t, out[n-1], int16(2900))
}

func TestPLCDecaysToSilence(t *testing.T) {
	f, _ := NewFactory(NamePCM, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)

	n := FrameSamples(testRate, testChannels, testFrame)
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = 16000
	}
	p, _ := enc.Encode(frame)
	_, err := dec.Decode(p)
	require.NoError(t, err)

	prev := int16(16000)
	for i := 0; i < maxConcealStreak+2; i++ {
		out, err := dec.DecodePLC()
		require.NoError(t, err)
		require.Len(t, out, n)
		assert.LessOrEqual(t, out[0], prev)
		prev = out[0]
	}
	assert.Equal(t, int16(0), prev)
}

func TestPLCBeforeAnyFrameIsSilent(t *testing.T) {
	f, _ := NewFactory(NameMuLaw, testFrame)
	dec, _ := f.NewDecoder(testRate, 1)
	out, err := dec.DecodePLC()
	require.NoError(t, err)
	assert.Len(t, out, FrameSamples(testRate, 1, testFrame))
	for _, s := range out {
		assert.Zero(t, s)
	}
}

func TestResetForgetsHistory(t *testing.T) {
	f, _ := NewFactory(NamePCM, testFrame)
	enc, _ := f.NewEncoder(testRate, testChannels)
	dec, _ := f.NewDecoder(testRate, testChannels)

	n := FrameSamples(testRate, testChannels, testFrame)
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = 5000
	}
	p, _ := enc.Encode(frame)
	_, _ = dec.Decode(p)
	dec.Reset()

	out, _ := dec.DecodePLC()
	assert.Zero(t, out[0])
}
