package config

import (
	"fmt"
	"strings"
	"time"
)

var knownCodecs = map[string]bool{
	"pcm":   true,
	"mulaw": true,
	"ulaw":  true,
	"g711":  true,
}

var validFrameMs = map[int]bool{5: true, 10: true, 20: true, 40: true, 60: true}

var validApproval = map[string]bool{
	ApprovalPrompt: true,
	ApprovalBridge: true,
	ApprovalAccept: true,
	ApprovalDeny:   true,
}

// Validate checks the config and returns every problem found. Values that
// would break the stream are clamped to safe ones; the rest are reported
// for the caller to log.
func (c *Config) Validate() []error {
	var errs []error

	if c.AppID == "" {
		errs = append(errs, fmt.Errorf("app_id is empty, using %q", AppID))
		c.AppID = AppID
	}
	if c.ProtocolVersion < 1 {
		errs = append(errs, fmt.Errorf("protocol_version %d is invalid, using %d", c.ProtocolVersion, ProtocolVersion))
		c.ProtocolVersion = ProtocolVersion
	}
	if c.DeviceName == "" {
		c.DeviceName = "wavelink"
	}

	a := &c.Audio
	if !knownCodecs[strings.ToLower(a.Codec)] {
		errs = append(errs, fmt.Errorf("audio.codec %q is unknown, using mulaw", a.Codec))
		a.Codec = "mulaw"
	}
	if a.SampleRate < 8000 || a.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range 8000-96000, using 48000", a.SampleRate))
		a.SampleRate = 48000
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2, using 1", a.Channels))
		a.Channels = 1
	}
	if !validFrameMs[a.FrameMs] {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must be one of 5, 10, 20, 40, 60; using 20", a.FrameMs))
		a.FrameMs = 20
	}
	a.ExpectedLossPercent = clamp(&errs, "audio.expected_loss_percent", a.ExpectedLossPercent, 0, 100)
	a.Complexity = clamp(&errs, "audio.complexity", a.Complexity, 0, 10)

	h := &c.Host
	checkPort(&errs, "host.control_port", &h.ControlPort, 8988, false)
	checkPort(&errs, "host.audio_port", &h.AudioPort, 0, true)
	if h.MaxGuests < 0 {
		errs = append(errs, fmt.Errorf("host.max_guests %d is negative, using unlimited", h.MaxGuests))
		h.MaxGuests = 0
	}
	h.Approval = strings.ToLower(strings.TrimSpace(h.Approval))
	if !validApproval[h.Approval] {
		errs = append(errs, fmt.Errorf("host.approval %q must be prompt, bridge, accept or deny; using prompt", h.Approval))
		h.Approval = ApprovalPrompt
	}
	if h.Approval == ApprovalBridge && !h.Bridge.Enabled {
		errs = append(errs, fmt.Errorf("host.approval is bridge but host.bridge.enabled is false, enabling it"))
		h.Bridge.Enabled = true
	}
	if h.ApprovalTimeout < 0 {
		h.ApprovalTimeout = 0
	}

	g := &c.Guest
	checkPort(&errs, "guest.control_port", &g.ControlPort, 8988, false)
	checkPort(&errs, "guest.audio_port", &g.AudioPort, 8989, false)
	if g.Prebuffer < 1 {
		errs = append(errs, fmt.Errorf("guest.prebuffer %d is below 1, using 1", g.Prebuffer))
		g.Prebuffer = 1
	}
	if g.LatencyCap <= g.Prebuffer {
		errs = append(errs, fmt.Errorf("guest.latency_cap %d must exceed guest.prebuffer %d", g.LatencyCap, g.Prebuffer))
		g.LatencyCap = g.Prebuffer * 4
	}
	if g.Capacity <= g.LatencyCap {
		errs = append(errs, fmt.Errorf("guest.capacity %d must exceed guest.latency_cap %d", g.Capacity, g.LatencyCap))
		g.Capacity = g.LatencyCap * 4
	}
	if g.HardResync < 1 {
		errs = append(errs, fmt.Errorf("guest.hard_resync %d is below 1, using 8", g.HardResync))
		g.HardResync = 8
	}
	minDuration(&errs, "guest.receive_timeout", &g.ReceiveTimeout, 10*time.Millisecond)
	minDuration(&errs, "guest.idle_sleep", &g.IdleSleep, time.Millisecond)
	minDuration(&errs, "guest.handshake_timeout", &g.HandshakeTimeout, time.Second)

	return errs
}

func clamp(errs *[]error, key string, v, lo, hi int) int {
	switch {
	case v < lo:
		*errs = append(*errs, fmt.Errorf("%s %d is below %d, clamping", key, v, lo))
		return lo
	case v > hi:
		*errs = append(*errs, fmt.Errorf("%s %d exceeds %d, clamping", key, v, hi))
		return hi
	}
	return v
}

func checkPort(errs *[]error, key string, port *int, fallback int, allowZero bool) {
	if *port == 0 && allowZero {
		return
	}
	if *port < 1 || *port > 65535 {
		*errs = append(*errs, fmt.Errorf("%s %d is not a valid port, using %d", key, *port, fallback))
		*port = fallback
	}
}

func minDuration(errs *[]error, key string, d *time.Duration, floor time.Duration) {
	if *d < floor {
		*errs = append(*errs, fmt.Errorf("%s %s is below %s, clamping", key, *d, floor))
		*d = floor
	}
}
