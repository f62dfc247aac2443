// Package util provides shared logging and stream statistics.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide stream counter set. Host and guest roles touch
// disjoint fields.
var Stats = &stats{}

type stats struct {
	// host
	FramesEncoded atomic.Int64 // one per captured frame, regardless of guest count
	DatagramsSent atomic.Int64 // one per (frame, playing guest)
	SendErrors    atomic.Int64
	BytesSent     atomic.Int64

	// guest
	DatagramsRecv    atomic.Int64
	DatagramsDropped atomic.Int64 // foreign or malformed datagrams
	BytesRecv        atomic.Int64
	FramesNormal     atomic.Int64
	FramesFEC        atomic.Int64
	FramesPLC        atomic.Int64
	DecodeErrors     atomic.Int64 // payloads the decoder rejected
	HardResyncs      atomic.Int64
	SoftResyncs      atomic.Int64
	LatencyTrims     atomic.Int64
}

func (s *stats) AddSent(n int) { s.DatagramsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.DatagramsRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs stream statistics every
// 10 seconds while anything moved. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.delta(prev), reportInterval.Seconds()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	encoded, sent, sendErrs, bytesSent  int64
	recv, dropped, bytesRecv            int64
	normal, fec, plc, hard, soft, trims int64
	decodeErrs                          int64
}

func takeSnapshot() snapshot {
	return snapshot{
		encoded:    Stats.FramesEncoded.Load(),
		sent:       Stats.DatagramsSent.Load(),
		sendErrs:   Stats.SendErrors.Load(),
		bytesSent:  Stats.BytesSent.Load(),
		recv:       Stats.DatagramsRecv.Load(),
		dropped:    Stats.DatagramsDropped.Load(),
		bytesRecv:  Stats.BytesRecv.Load(),
		normal:     Stats.FramesNormal.Load(),
		fec:        Stats.FramesFEC.Load(),
		plc:        Stats.FramesPLC.Load(),
		hard:       Stats.HardResyncs.Load(),
		soft:       Stats.SoftResyncs.Load(),
		trims:      Stats.LatencyTrims.Load(),
		decodeErrs: Stats.DecodeErrors.Load(),
	}
}

func (s snapshot) delta(prev snapshot) snapshot {
	return snapshot{
		encoded:    s.encoded - prev.encoded,
		sent:       s.sent - prev.sent,
		sendErrs:   s.sendErrs - prev.sendErrs,
		bytesSent:  s.bytesSent - prev.bytesSent,
		recv:       s.recv - prev.recv,
		dropped:    s.dropped - prev.dropped,
		bytesRecv:  s.bytesRecv - prev.bytesRecv,
		normal:     s.normal - prev.normal,
		fec:        s.fec - prev.fec,
		plc:        s.plc - prev.plc,
		hard:       s.hard - prev.hard,
		soft:       s.soft - prev.soft,
		trims:      s.trims - prev.trims,
		decodeErrs: s.decodeErrs - prev.decodeErrs,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporting window. Only the side that produced
// traffic is shown.
func formatStats(d snapshot, seconds float64) string {
	var out string
	if d.encoded > 0 || d.sent > 0 || d.sendErrs > 0 {
		out = fmt.Sprintf("Out: %s/s | Frames: %d | Datagrams: %d | SendErr: %d",
			formatBytes(float64(d.bytesSent)/seconds), d.encoded, d.sent, d.sendErrs)
	}
	if d.recv > 0 || d.normal > 0 || d.plc > 0 || d.dropped > 0 || d.decodeErrs > 0 {
		if out != "" {
			out += " || "
		}
		out += fmt.Sprintf("In: %s/s | ok/fec/plc: %d/%d/%d | drop: %d | decErr: %d | resync hard/soft: %d/%d | trims: %d",
			formatBytes(float64(d.bytesRecv)/seconds), d.normal, d.fec, d.plc, d.dropped, d.decodeErrs, d.hard, d.soft, d.trims)
	}
	return out
}
