// Package app contains the top-level orchestration for the host and guest
// roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/wavelink/internal/audio"
	"github.com/1ureka/wavelink/internal/codec"
	"github.com/1ureka/wavelink/internal/config"
	"github.com/1ureka/wavelink/internal/control"
	"github.com/1ureka/wavelink/internal/handshake"
	"github.com/1ureka/wavelink/internal/relay"
	"github.com/1ureka/wavelink/internal/session"
	"github.com/1ureka/wavelink/internal/transport"
	"github.com/1ureka/wavelink/internal/trust"
	"github.com/1ureka/wavelink/internal/util"
)

// Host wires the handshake server, the session registry, the relay and the
// optional control bridge for one room.
type Host struct {
	cfg  *config.Config
	save func(*config.Config) error

	trust    *trust.MemoryStore
	registry *session.Registry
	server   *handshake.Server
	relay    *relay.Relay
	audioLn  net.PacketConn
	ctrlLn   net.Listener
	bridge   *control.Server
	bridgeAt net.Addr

	cfgMu   sync.Mutex
	prompts chan handshake.Event
	uiQueue chan control.Event // bridge events, in the order they happened
}

// NewHost opens the control listener and the audio socket and prepares the
// relay. Nothing streams until Run.
func NewHost(cfg *config.Config) (*Host, error) {
	h := &Host{
		cfg:      cfg,
		trust:    trust.NewMemoryStore(),
		registry: session.NewRegistry(cfg.Host.MaxGuests),
		prompts:  make(chan handshake.Event, 16),
		uiQueue:  make(chan control.Event, 64),
	}
	h.trust.Add(cfg.Host.RoomID, cfg.Host.TrustedGuests...)

	factory, err := codec.NewFactory(cfg.Audio.Codec, cfg.Audio.FrameDuration())
	if err != nil {
		return nil, err
	}

	h.server = handshake.NewServer(handshake.ServerConfig{
		AppID:           cfg.AppID,
		ProtocolVersion: cfg.ProtocolVersion,
		HostUserID:      cfg.UserID,
		DeviceName:      cfg.DeviceName,
		RoomID:          cfg.Host.RoomID,
		RoomName:        cfg.Host.RoomName,
		ApprovalTimeout: cfg.Host.ApprovalTimeout,
		Audio: &handshake.AudioFormat{
			Codec:      factory.Name(),
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			FrameMs:    cfg.Audio.FrameMs,
		},
	}, h.trust, h.registry)
	h.server.OnEvent(h.onHandshake)

	audioConn, err := transport.ListenAudio(cfg.Host.Listen, cfg.Host.AudioPort)
	if err != nil {
		return nil, err
	}
	h.audioLn = audioConn

	h.relay, err = relay.New(relay.Config{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		FrameDuration: cfg.Audio.FrameDuration(),
		Loss: codec.LossHints{
			ExpectedLossPercent: cfg.Audio.ExpectedLossPercent,
			FEC:                 cfg.Audio.FEC,
			Bitrate:             cfg.Audio.Bitrate,
			Complexity:          cfg.Audio.Complexity,
		},
	}, factory, h.registry, audioConn)
	if err != nil {
		audioConn.Close()
		return nil, err
	}

	h.ctrlLn, err = transport.ListenControl(cfg.Host.Listen, cfg.Host.ControlPort)
	if err != nil {
		_ = h.relay.Stop()
		return nil, err
	}

	if cfg.Host.Bridge.Enabled {
		pin := cfg.Host.Bridge.PIN
		if pin == "" {
			pin = control.GeneratePIN(6)
		}
		h.bridge = control.NewServer(pin, &hostRoom{h: h})
		h.bridgeAt, err = h.bridge.Start(cfg.Host.Bridge.Addr)
		if err != nil {
			h.ctrlLn.Close()
			_ = h.relay.Stop()
			return nil, err
		}
		cfg.Host.Bridge.PIN = pin
	}
	return h, nil
}

// OnSave sets how trust remembered at accept time is persisted.
func (h *Host) OnSave(fn func(*config.Config) error) {
	h.cfgMu.Lock()
	h.save = fn
	h.cfgMu.Unlock()
}

// ControlAddr is the address guests dial.
func (h *Host) ControlAddr() net.Addr { return h.ctrlLn.Addr() }

// BridgeAddr is the control bridge address, nil when it is disabled.
func (h *Host) BridgeAddr() net.Addr { return h.bridgeAt }

// Registry exposes the room's guests.
func (h *Host) Registry() *session.Registry { return h.registry }

// Run streams src to every playing guest until ctx is cancelled or the
// source fails. Run owns src and closes it.
func (h *Host) Run(ctx context.Context, src audio.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := h.registry.Subscribe(32)
	defer unsubscribe()
	go h.forward(ctx, events)
	if h.bridge != nil {
		go h.broadcastLoop(ctx)
	}

	if h.cfg.Host.Approval == config.ApprovalPrompt {
		go h.promptLoop(ctx)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.server.Serve(h.ctrlLn) }()

	if err := h.relay.Start(src); err != nil {
		src.Close()
		h.shutdown()
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case <-h.relay.Done():
		err = h.relay.Err()
	case err = <-serveErr:
		err = fmt.Errorf("control server: %w", err)
	}

	h.shutdown()
	return err
}

// shutdown closes in dependency order: no new guests, no new frames, then
// the room is emptied.
func (h *Host) shutdown() {
	if err := h.server.Close(); err != nil && !transport.IsClosed(err) {
		util.LogDebug("Close control server: %v", err)
	}
	if err := h.relay.Stop(); err != nil {
		util.LogDebug("Stop relay: %v", err)
	}
	if h.bridge != nil {
		h.bridge.Close()
	}
	h.registry.Clear()
}

// ---------------------------------------------------------------------------
// Events and approval
// ---------------------------------------------------------------------------

func (h *Host) forward(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.GuestJoined:
				util.LogSuccess("%s joined (%s)", ev.Guest.DeviceName, ev.Guest.Endpoint)
			case session.GuestLeft:
				util.LogInfo("%s left", ev.Guest.DeviceName)
			default:
				util.LogDebug("%s updated: playing=%v trusted=%v", ev.Guest.DeviceName, ev.Guest.Playing, ev.Guest.Trusted)
			}
			h.publish(control.SessionEvent(ev))
		}
	}
}

// publish queues ev for the bridge without blocking the caller.
func (h *Host) publish(ev control.Event) {
	if h.bridge == nil {
		return
	}
	select {
	case h.uiQueue <- ev:
	default:
		util.LogDebug("Control bridge queue full, dropping %s", ev.Type)
	}
}

func (h *Host) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.uiQueue:
			h.bridge.Broadcast(ev)
		}
	}
}

// onHandshake runs on connection goroutines and must not block.
func (h *Host) onHandshake(ev handshake.Event) {
	h.publish(control.HandshakeEvent(ev))

	switch ev.Kind {
	case handshake.EventResult:
		if ev.Result != handshake.Success {
			util.LogInfo("Handshake from %s (%s): %s", ev.Guest.DeviceName, ev.Remote, ev.Result)
		}
		return
	case handshake.EventCancelled:
		return
	}

	util.LogInfo("%s (%s) asks to join", ev.Guest.DeviceName, ev.Remote)
	switch h.cfg.Host.Approval {
	case config.ApprovalAccept:
		go h.decide(ev.Guest.UserID, true, false)
	case config.ApprovalDeny:
		go h.decide(ev.Guest.UserID, false, false)
	case config.ApprovalPrompt:
		select {
		case h.prompts <- ev:
		default:
			util.LogWarning("Too many guests waiting, declining %s", ev.Guest.DeviceName)
			go h.decide(ev.Guest.UserID, false, false)
		}
	default:
		if h.bridge != nil {
			util.LogInfo("Waiting for a decision on the control bridge")
		}
	}
}

// promptLoop asks on the terminal, one guest at a time.
func (h *Host) promptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.prompts:
			ok, _ := pterm.DefaultInteractiveConfirm.
				WithDefaultText(fmt.Sprintf("Let %s (%s) join?", ev.Guest.DeviceName, ev.Remote)).
				Show()
			remember := false
			if ok {
				remember, _ = pterm.DefaultInteractiveConfirm.
					WithDefaultText("Trust this device from now on?").
					Show()
			}
			h.decide(ev.Guest.UserID, ok, remember)
		}
	}
}

func (h *Host) decide(userID string, accept, remember bool) error {
	var err error
	if accept {
		err = h.server.Accept(userID, remember)
	} else {
		err = h.server.Decline(userID)
	}
	if err != nil {
		if errors.Is(err, handshake.ErrNoPendingGuest) {
			util.LogDebug("Guest %s is no longer waiting", userID)
		}
		return err
	}
	if accept && remember {
		h.remember(userID)
	}
	return nil
}

// remember adds the guest to trusted_guests and persists the config.
func (h *Host) remember(userID string) {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	if slices.Contains(h.cfg.Host.TrustedGuests, userID) {
		return
	}
	h.cfg.Host.TrustedGuests = append(h.cfg.Host.TrustedGuests, userID)
	if h.save == nil {
		return
	}
	if err := h.save(h.cfg); err != nil {
		util.LogWarning("Could not save trusted guest: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Control bridge adapter
// ---------------------------------------------------------------------------

type hostRoom struct{ h *Host }

func (r *hostRoom) Accept(userID string, remember bool) error {
	return r.h.decide(userID, true, remember)
}

func (r *hostRoom) Decline(userID string) error {
	return r.h.decide(userID, false, false)
}

func (r *hostRoom) Expel(userID string) error {
	return r.h.server.Expel(userID)
}

func (r *hostRoom) SetPlaying(userID string, playing bool) error {
	return r.h.registry.SetPlaying(userID, playing)
}

func (r *hostRoom) Snapshot() ([]control.GuestView, []control.PendingView) {
	guests := r.h.registry.List()
	pending := r.h.server.Pending()

	gv := make([]control.GuestView, 0, len(guests))
	for _, g := range guests {
		gv = append(gv, control.GuestFrom(g))
	}
	pv := make([]control.PendingView, 0, len(pending))
	for _, p := range pending {
		pv = append(pv, control.PendingFrom(p))
	}
	return gv, pv
}

// RunHost opens a room with cfg and streams the configured input until ctx
// is cancelled. Trust granted with "remember" is saved to cfgFile.
func RunHost(ctx context.Context, cfg *config.Config, cfgFile string) error {
	src, err := audio.Open(cfg.Audio.Input, audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels})
	if err != nil {
		return err
	}

	h, err := NewHost(cfg)
	if err != nil {
		src.Close()
		return err
	}
	h.OnSave(func(c *config.Config) error { return config.Save(c, cfgFile) })

	printRoom(cfg, h)
	util.StartStatsReporter(ctx)
	return h.Run(ctx, src)
}

func printRoom(cfg *config.Config, h *Host) {
	rows := pterm.TableData{
		{"Room", cfg.Host.RoomName},
		{"Control", h.ControlAddr().String()},
		{"Codec", fmt.Sprintf("%s %d Hz x%d, %d ms", cfg.Audio.Codec, cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FrameMs)},
		{"Approval", cfg.Host.Approval},
	}
	if addr := h.BridgeAddr(); addr != nil {
		rows = append(rows,
			[]string{"Bridge", fmt.Sprintf("ws://%s/ws", addr)},
			[]string{"PIN", cfg.Host.Bridge.PIN},
		)
	}
	_ = pterm.DefaultTable.WithData(rows).WithBoxed().Render()
}
