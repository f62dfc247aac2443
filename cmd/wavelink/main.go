// Wavelink CLI entry point.
//
// One device hosts a room and streams its audio; guests on the same LAN join
// over a short TCP handshake and play the stream from UDP.
//
// It can be launched interactively (no subcommand) or with the host and
// guest subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/wavelink/internal/app"
	"github.com/1ureka/wavelink/internal/config"
	"github.com/1ureka/wavelink/internal/util"
)

var version = "dev"

var (
	cfgFile   string
	debugMode bool
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wavelink",
		Short:         "Relay this device's audio to guests on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.Path()+")")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	root.AddCommand(newHostCmd(), newGuestCmd(), newVersionCmd())
	return root
}

// ---------------------------------------------------------------------------
// Subcommands
// ---------------------------------------------------------------------------

func newHostCmd() *cobra.Command {
	var (
		room     string
		input    string
		approval string
		trusted  []string
		maxGuest int
		bridge   bool
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Open a room and stream audio to its guests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("room") {
				cfg.Host.RoomName = room
			}
			if flags.Changed("input") {
				cfg.Audio.Input = input
			}
			if flags.Changed("approval") {
				cfg.Host.Approval = approval
			}
			if flags.Changed("trusted") {
				cfg.Host.TrustedGuests = append(cfg.Host.TrustedGuests, trusted...)
			}
			if flags.Changed("max-guests") {
				cfg.Host.MaxGuests = maxGuest
			}
			if flags.Changed("bridge") {
				cfg.Host.Bridge.Enabled = bridge
			}
			return runHost(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room name shown to guests")
	cmd.Flags().StringVarP(&input, "input", "i", "", `audio input: "tone", "-" for stdin, or a raw s16le file`)
	cmd.Flags().StringVar(&approval, "approval", "", "unknown guests: prompt, bridge, accept or deny")
	cmd.Flags().StringSliceVar(&trusted, "trusted", nil, "user ids admitted without approval")
	cmd.Flags().IntVar(&maxGuest, "max-guests", 0, "room capacity, 0 for unlimited")
	cmd.Flags().BoolVar(&bridge, "bridge", false, "serve the WebSocket control bridge")
	return cmd
}

func newGuestCmd() *cobra.Command {
	var (
		host   string
		output string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "guest [host]",
		Short: "Join a host's room and play its stream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				host = args[0]
			}
			if host != "" {
				if err := applyHost(cfg, host); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("output") {
				cfg.Audio.Output = output
			}
			if cmd.Flags().Changed("name") {
				cfg.DeviceName = name
			}
			if cfg.Guest.Host == "" {
				return errors.New("no host given: pass it as an argument or set guest.host")
			}
			return runGuest(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host address, optionally with the control port")
	cmd.Flags().StringVarP(&output, "output", "o", "", `audio output: "null", "-" for stdout, or a raw s16le file`)
	cmd.Flags().StringVar(&name, "name", "", "device name shown to the host")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wavelink %s (protocol %d)\n", version, config.ProtocolVersion)
		},
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role when no subcommand is given.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Stream this device's audio", "Guest — Listen to a host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		return runHost(ctx, cfg)
	}
	if cfg.Guest.Host == "" {
		askHost(cfg)
	}
	return runGuest(ctx, cfg)
}

func runHost(ctx context.Context, cfg *config.Config) error {
	checkConfig(cfg)
	util.LogInfo("Wavelink v%s — hosting %q", version, cfg.Host.RoomName)
	if err := app.RunHost(ctx, cfg, cfgFile); err != nil {
		return fmt.Errorf("host stopped: %w", err)
	}
	util.LogInfo("room closed")
	return nil
}

func runGuest(ctx context.Context, cfg *config.Config) error {
	checkConfig(cfg)
	util.LogInfo("Wavelink v%s — joining %s", version, cfg.Guest.Host)
	if err := app.RunGuest(ctx, cfg, cfgFile); err != nil {
		var hs *app.HandshakeError
		if errors.As(err, &hs) || errors.Is(err, app.ErrExpelled) {
			util.LogWarning("%v", err)
			return nil
		}
		return fmt.Errorf("guest stopped: %w", err)
	}
	util.LogInfo("left the room")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)
	if debugMode {
		util.EnableDebug()
	}
	return cfg, nil
}

// checkConfig logs every problem Validate found and clamped.
func checkConfig(cfg *config.Config) {
	for _, err := range cfg.Validate() {
		util.LogWarning("config: %v", err)
	}
}

// askHost prompts for the host address until a plausible one is entered.
func askHost(cfg *config.Config) {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host address (e.g. 192.168.1.20 or 192.168.1.20:8988)").
			Show()

		if err := applyHost(cfg, raw); err == nil {
			pterm.Println()
			return
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a host name or IP address")
	}
}

// applyHost accepts "host" or "host:port" and sets the guest's target.
func applyHost(cfg *config.Config, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " /") {
		return fmt.Errorf("invalid host %q", raw)
	}
	host, portStr, found := strings.Cut(raw, ":")
	if !found {
		cfg.Guest.Host = host
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return fmt.Errorf("invalid host %q", raw)
	}
	cfg.Guest.Host = host
	cfg.Guest.ControlPort = port
	return nil
}
