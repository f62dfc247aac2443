package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 1536, 1 << 20, 98.9 * (1 << 30)} {
		assert.Len(t, formatBytes(b), 8, "formatBytes(%v)", b)
	}
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
}

func TestFormatStatsShowsOnlyActiveSide(t *testing.T) {
	host := formatStats(snapshot{encoded: 50, sent: 100, bytesSent: 1000}, 10)
	assert.Contains(t, host, "Frames: 50")
	assert.NotContains(t, host, "ok/fec/plc")

	guest := formatStats(snapshot{recv: 50, normal: 48, fec: 1, plc: 1}, 10)
	assert.Contains(t, guest, "ok/fec/plc: 48/1/1")
	assert.NotContains(t, guest, "Frames:")

	// A guest decoding nothing but errors still reports.
	broken := formatStats(snapshot{decodeErrs: 50, plc: 50}, 10)
	assert.Contains(t, broken, "decErr: 50")
}

func TestSnapshotDelta(t *testing.T) {
	a := snapshot{encoded: 10, plc: 3}
	b := snapshot{encoded: 25, plc: 4}
	d := b.delta(a)
	assert.Equal(t, int64(15), d.encoded)
	assert.Equal(t, int64(1), d.plc)
}
