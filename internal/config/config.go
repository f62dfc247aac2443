// Package config loads wavelink's settings from a YAML file and WAVELINK_*
// environment variables on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	AppID           = "wavelink"
	ProtocolVersion = 1
	envPrefix       = "WAVELINK"
	fileName        = "wavelink"
)

// Approval modes for guests outside the trusted set.
const (
	ApprovalPrompt = "prompt" // ask on the terminal
	ApprovalBridge = "bridge" // wait for the control bridge
	ApprovalAccept = "accept"
	ApprovalDeny   = "deny"
)

type Config struct {
	AppID           string `mapstructure:"app_id"`
	ProtocolVersion int    `mapstructure:"protocol_version"`
	UserID          string `mapstructure:"user_id"`
	DeviceName      string `mapstructure:"device_name"`
	LogLevel        string `mapstructure:"log_level"`

	Audio AudioConfig `mapstructure:"audio"`
	Host  HostConfig  `mapstructure:"host"`
	Guest GuestConfig `mapstructure:"guest"`
}

type AudioConfig struct {
	SampleRate          int    `mapstructure:"sample_rate"`
	Channels            int    `mapstructure:"channels"`
	FrameMs             int    `mapstructure:"frame_ms"`
	Codec               string `mapstructure:"codec"`
	ExpectedLossPercent int    `mapstructure:"expected_loss_percent"`
	FEC                 bool   `mapstructure:"fec"`
	Bitrate             int    `mapstructure:"bitrate"`
	Complexity          int    `mapstructure:"complexity"`
	Input               string `mapstructure:"input"`
	Output              string `mapstructure:"output"`
}

// FrameDuration is the fixed length of one encoded frame.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

type HostConfig struct {
	Listen          string        `mapstructure:"listen"`
	ControlPort     int           `mapstructure:"control_port"`
	AudioPort       int           `mapstructure:"audio_port"`
	RoomID          string        `mapstructure:"room_id"`
	RoomName        string        `mapstructure:"room_name"`
	MaxGuests       int           `mapstructure:"max_guests"`
	Approval        string        `mapstructure:"approval"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	TrustedGuests   []string      `mapstructure:"trusted_guests"`
	Bridge          BridgeConfig  `mapstructure:"bridge"`
}

type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	PIN     string `mapstructure:"pin"`
}

type GuestConfig struct {
	Host             string        `mapstructure:"host"`
	ControlPort      int           `mapstructure:"control_port"`
	AudioPort        int           `mapstructure:"audio_port"`
	Prebuffer        int           `mapstructure:"prebuffer"`
	Capacity         int           `mapstructure:"capacity"`
	LatencyCap       int           `mapstructure:"latency_cap"`
	HardResync       int           `mapstructure:"hard_resync"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	IdleSleep        time.Duration `mapstructure:"idle_sleep"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

func Default() *Config {
	device, _ := os.Hostname()
	if device == "" {
		device = "wavelink"
	}
	return &Config{
		AppID:           AppID,
		ProtocolVersion: ProtocolVersion,
		DeviceName:      device,
		LogLevel:        "info",
		Audio: AudioConfig{
			SampleRate:          48000,
			Channels:            1,
			FrameMs:             20,
			Codec:               "mulaw",
			ExpectedLossPercent: 10,
			FEC:                 true,
			Complexity:          5,
			Input:               "tone",
			Output:              "null",
		},
		Host: HostConfig{
			Listen:          "0.0.0.0",
			ControlPort:     8988,
			AudioPort:       0,
			RoomID:          "default",
			RoomName:        device,
			Approval:        ApprovalPrompt,
			ApprovalTimeout: time.Minute,
			Bridge: BridgeConfig{
				Addr: "127.0.0.1:8990",
			},
		},
		Guest: GuestConfig{
			ControlPort:      8988,
			AudioPort:        8989,
			Prebuffer:        3,
			Capacity:         64,
			LatencyCap:       12,
			HardResync:       8,
			ReceiveTimeout:   50 * time.Millisecond,
			IdleSleep:        2 * time.Millisecond,
			StallTimeout:     2500 * time.Millisecond,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Load reads cfgFile, or wavelink.yaml from the user config dir or the
// working directory when cfgFile is empty. A missing default file is not an
// error. Environment variables override the file, e.g.
// WAVELINK_GUEST_HOST=192.168.49.1.
func Load(cfgFile string) (*Config, error) {
	v := newViper(Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Path returns the file Save writes to when no explicit file is given.
func Path() string {
	return filepath.Join(configDir(), fileName+".yaml")
}

// Save writes cfg as YAML to cfgFile, or to Path when cfgFile is empty.
func Save(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = Path()
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	v := newViper(cfg)
	v.SetConfigType("yaml")
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// EnsureUserID gives a config without a user id a fresh one. It reports
// whether an id was generated; callers persist it with Save so trust
// granted by a host survives restarts.
func EnsureUserID(cfg *Config) bool {
	if cfg.UserID != "" {
		return false
	}
	cfg.UserID = uuid.NewString()
	return true
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setValues(v, cfg)
	return v
}

// setValues registers every key with viper, which also makes each key
// reachable from the environment.
func setValues(v *viper.Viper, c *Config) {
	v.SetDefault("app_id", c.AppID)
	v.SetDefault("protocol_version", c.ProtocolVersion)
	v.SetDefault("user_id", c.UserID)
	v.SetDefault("device_name", c.DeviceName)
	v.SetDefault("log_level", c.LogLevel)

	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.channels", c.Audio.Channels)
	v.SetDefault("audio.frame_ms", c.Audio.FrameMs)
	v.SetDefault("audio.codec", c.Audio.Codec)
	v.SetDefault("audio.expected_loss_percent", c.Audio.ExpectedLossPercent)
	v.SetDefault("audio.fec", c.Audio.FEC)
	v.SetDefault("audio.bitrate", c.Audio.Bitrate)
	v.SetDefault("audio.complexity", c.Audio.Complexity)
	v.SetDefault("audio.input", c.Audio.Input)
	v.SetDefault("audio.output", c.Audio.Output)

	v.SetDefault("host.listen", c.Host.Listen)
	v.SetDefault("host.control_port", c.Host.ControlPort)
	v.SetDefault("host.audio_port", c.Host.AudioPort)
	v.SetDefault("host.room_id", c.Host.RoomID)
	v.SetDefault("host.room_name", c.Host.RoomName)
	v.SetDefault("host.max_guests", c.Host.MaxGuests)
	v.SetDefault("host.approval", c.Host.Approval)
	v.SetDefault("host.approval_timeout", c.Host.ApprovalTimeout)
	v.SetDefault("host.trusted_guests", c.Host.TrustedGuests)
	v.SetDefault("host.bridge.enabled", c.Host.Bridge.Enabled)
	v.SetDefault("host.bridge.addr", c.Host.Bridge.Addr)
	v.SetDefault("host.bridge.pin", c.Host.Bridge.PIN)

	v.SetDefault("guest.host", c.Guest.Host)
	v.SetDefault("guest.control_port", c.Guest.ControlPort)
	v.SetDefault("guest.audio_port", c.Guest.AudioPort)
	v.SetDefault("guest.prebuffer", c.Guest.Prebuffer)
	v.SetDefault("guest.capacity", c.Guest.Capacity)
	v.SetDefault("guest.latency_cap", c.Guest.LatencyCap)
	v.SetDefault("guest.hard_resync", c.Guest.HardResync)
	v.SetDefault("guest.receive_timeout", c.Guest.ReceiveTimeout)
	v.SetDefault("guest.idle_sleep", c.Guest.IdleSleep)
	v.SetDefault("guest.stall_timeout", c.Guest.StallTimeout)
	v.SetDefault("guest.handshake_timeout", c.Guest.HandshakeTimeout)
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "wavelink")
}
