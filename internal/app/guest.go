package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/wavelink/internal/audio"
	"github.com/1ureka/wavelink/internal/codec"
	"github.com/1ureka/wavelink/internal/config"
	"github.com/1ureka/wavelink/internal/handshake"
	"github.com/1ureka/wavelink/internal/playout"
	"github.com/1ureka/wavelink/internal/transport"
	"github.com/1ureka/wavelink/internal/util"
)

var (
	ErrExpelled = errors.New("removed from the room by the host")
	errNoGuest  = errors.New("guest is not connected")
)

// HandshakeError is a handshake that did not end in Success.
type HandshakeError struct {
	Result handshake.Result
}

func (e *HandshakeError) Error() string {
	switch code := e.Result.Code; {
	case code.Incompatible():
		return fmt.Sprintf("incompatible host (%s)", code)
	case code == handshake.DeclinedByHost:
		return "the host declined the request"
	case code == handshake.RoomFull:
		return "the room is full"
	case code == handshake.Timeout:
		return "the host did not answer in time"
	default:
		return "handshake failed: " + e.Result.String()
	}
}

// FormatError is a host stream this guest cannot decode.
type FormatError struct {
	Format handshake.AudioFormat
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cannot play the host's %s stream: %v", e.Format, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Guest joins one host and plays its stream.
type Guest struct {
	cfg     *config.Config
	onFrame func(playout.Frame)

	mu     sync.Mutex
	engine *playout.Engine
	paused bool
}

func NewGuest(cfg *config.Config) *Guest {
	return &Guest{cfg: cfg}
}

// OnFrame observes every rendered frame. Set it before Run.
func (g *Guest) OnFrame(fn func(playout.Frame)) { g.onFrame = fn }

// Run performs the handshake and plays into sink until ctx is cancelled,
// the host expels the guest or the control connection drops:
//  1. Open the audio socket; its port is advertised in the handshake
//  2. Dial the host and handshake, waiting for approval if asked
//  3. Build the playout engine for the host's stream format
//  4. Start playout and report the socket as open
//  5. Block until the session ends
//
// Run owns sink and closes it.
func (g *Guest) Run(ctx context.Context, sink audio.Sink) error {
	defer sink.Close()
	cfg := g.cfg

	// ── 1. Audio socket ────────────────────────────────────────────────
	audioConn, err := transport.ListenAudio("", cfg.Guest.AudioPort)
	if err != nil {
		return err
	}
	defer audioConn.Close()
	audioPort := audioConn.LocalAddr().(*net.UDPAddr).Port

	// ── 2. Control connection and handshake ────────────────────────────
	conn, err := transport.DialControl(ctx, cfg.Guest.Host, cfg.Guest.ControlPort, cfg.Guest.HandshakeTimeout)
	if err != nil {
		return err
	}
	client := handshake.NewClient(handshake.ClientConfig{
		AppID:           cfg.AppID,
		ProtocolVersion: cfg.ProtocolVersion,
		UserID:          cfg.UserID,
		DeviceName:      cfg.DeviceName,
		AudioPort:       audioPort,
	}, conn)
	defer client.Leave()

	client.OnPending(func(host handshake.Message) {
		util.LogInfo("Waiting for %s to let us in...", host.DeviceName)
	})

	res := client.Handshake(ctx)
	if res.Code != handshake.Success {
		if ctx.Err() != nil {
			return nil
		}
		return &HandshakeError{Result: res}
	}
	host := client.Host()
	util.LogSuccess("Joined %s on %s", roomLabel(host), conn.RemoteAddr())

	// ── 3. Playout engine ──────────────────────────────────────────────
	format, factory, err := streamFormat(cfg.Audio, host.Audio)
	if err != nil {
		return err
	}
	engine, err := playout.NewEngine(playout.Config{
		SampleRate:     format.SampleRate,
		Channels:       format.Channels,
		FrameDuration:  time.Duration(format.FrameMs) * time.Millisecond,
		Capacity:       cfg.Guest.Capacity,
		Prebuffer:      cfg.Guest.Prebuffer,
		LatencyCap:     cfg.Guest.LatencyCap,
		HardResync:     cfg.Guest.HardResync,
		ReceiveTimeout: cfg.Guest.ReceiveTimeout,
		IdleSleep:      cfg.Guest.IdleSleep,
		StallTimeout:   cfg.Guest.StallTimeout,
	}, factory, audioConn, sink)
	if err != nil {
		return &FormatError{Format: format, Err: err}
	}
	defer engine.Stop()
	if g.onFrame != nil {
		engine.OnFrame(g.onFrame)
	}

	// ── 4. Playout ─────────────────────────────────────────────────────
	g.mu.Lock()
	g.engine = engine
	if g.paused {
		engine.Pause()
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.engine = nil
		g.mu.Unlock()
	}()

	engine.Start()
	if err := client.SetPlaying(true); err != nil {
		return fmt.Errorf("report audio socket: %w", err)
	}

	// ── 5. Wait for the end of the session ─────────────────────────────
	waitCh := make(chan error, 1)
	go func() {
		code, err := client.Wait()
		if err == nil && code == handshake.ExpelledByHost {
			err = ErrExpelled
		}
		waitCh <- err
	}()

	select {
	case <-ctx.Done():
		util.LogInfo("Leaving %s", roomLabel(host))
		return nil
	case err := <-waitCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-engine.Done():
		if err := engine.Err(); err != nil {
			return fmt.Errorf("playout: %w", err)
		}
		return nil
	}
}

// SetPaused renders silence instead of the stream, or goes back to it. The
// host keeps sending and the receive pipeline keeps running, so resuming
// picks up the live stream at once.
func (g *Guest) SetPaused(paused bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused = paused
	if g.engine == nil {
		return errNoGuest
	}
	if paused {
		g.engine.Pause()
	} else {
		g.engine.Resume()
	}
	return nil
}

// streamFormat picks the format to decode with: the one the host
// advertised, or the local config when the host sent none.
func streamFormat(local config.AudioConfig, advertised *handshake.AudioFormat) (handshake.AudioFormat, codec.Factory, error) {
	format := handshake.AudioFormat{
		Codec:      local.Codec,
		SampleRate: local.SampleRate,
		Channels:   local.Channels,
		FrameMs:    local.FrameMs,
	}
	if advertised != nil {
		if *advertised != format {
			util.LogInfo("Using the host's audio format %s", advertised)
		}
		format = *advertised
	}

	factory, err := codec.NewFactory(format.Codec, time.Duration(format.FrameMs)*time.Millisecond)
	if err != nil {
		return format, nil, &FormatError{Format: format, Err: err}
	}
	return format, factory, nil
}

func roomLabel(host handshake.Message) string {
	switch {
	case host.RoomName != "":
		return host.RoomName
	case host.DeviceName != "":
		return host.DeviceName
	default:
		return "the host"
	}
}

// RunGuest joins the host named in cfg and plays into the configured
// output. A user id is generated and saved to cfgFile on first use so the
// host can remember this device.
func RunGuest(ctx context.Context, cfg *config.Config, cfgFile string) error {
	if config.EnsureUserID(cfg) {
		if err := config.Save(cfg, cfgFile); err != nil {
			util.LogWarning("Could not save the new user id: %v", err)
		}
	}

	sink, err := audio.Create(cfg.Audio.Output)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	return NewGuest(cfg).Run(ctx, sink)
}
