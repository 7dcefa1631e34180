// Package config provides Viper-based configuration loading for the engine core.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Pacing modes for the game loop.
const (
	PacingAlways = "always"
	PacingNever  = "never"
)

// Shutdown authorization policies.
const (
	PolicyAllowAll  = "allow_all"
	PolicyAdmitted  = "admitted"
	PolicyAllowlist = "allowlist"
)

// ServerConfig holds the process role and endpoint settings.
type ServerConfig struct {
	// Server selects the server role; false runs a client.
	Server bool `mapstructure:"server"`
	// Address is the bind address (server) or the server address to contact (client).
	Address string `mapstructure:"address"`
	// Port is the UDP port to bind (server) or contact (client).
	Port int `mapstructure:"port"`
	// Game is the game name handed to the scripting hook.
	Game string `mapstructure:"game"`
	// ClientName is the player name reported by a client process.
	ClientName string `mapstructure:"client_name"`
}

// Addr returns the "host:port" endpoint address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// LoopConfig holds game loop pacing settings.
type LoopConfig struct {
	// FrameRate is the client frames-per-second target.
	FrameRate float64 `mapstructure:"frame_rate"`
	// TickRate is the server ticks-per-second target.
	TickRate float64 `mapstructure:"tick_rate"`
	// Pacing is "always" to sleep to the target rate or "never" to run unpaced.
	Pacing string `mapstructure:"pacing"`
	// ReportInterval is how often the measured FPS/TPS is logged. Zero disables reporting.
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// SessionConfig holds protocol timer settings.
type SessionConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
}

// AuthConfig holds the server shutdown authorization settings.
type AuthConfig struct {
	// ShutdownPolicy is one of "allow_all", "admitted", "allowlist".
	ShutdownPolicy string `mapstructure:"shutdown_policy"`
	// AllowlistFile is a YAML file of endpoints allowed to shut the server down.
	AllowlistFile string `mapstructure:"allowlist_file"`
}

// TransportConfig holds UDP endpoint settings.
type TransportConfig struct {
	// QueueLimit bounds the inbound queue; datagrams beyond it are dropped. Zero means unbounded.
	QueueLimit int `mapstructure:"queue_limit"`
	// ReadBuffer is the size of the datagram read buffer in bytes.
	ReadBuffer int `mapstructure:"read_buffer"`
}

// ScriptingConfig holds Lua tick hook settings.
type ScriptingConfig struct {
	// Dir is the directory of *.lua files; empty disables scripting.
	Dir string `mapstructure:"dir"`
	// InstructionLimit caps Lua opcodes per hook call; 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateLoop(c.Loop),
		validateSession(c.Session),
		validateAuth(c.Auth),
		validateTransport(c.Transport),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("scripting.instruction_limit must be >= 0, got %d", c.Scripting.InstructionLimit))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Address == "" {
		errs = append(errs, "server.address must not be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLoop(l LoopConfig) error {
	var errs []string
	if !validRate(l.FrameRate) {
		errs = append(errs, fmt.Sprintf("loop.frame_rate must be a finite number > 0, got %g", l.FrameRate))
	}
	if !validRate(l.TickRate) {
		errs = append(errs, fmt.Sprintf("loop.tick_rate must be a finite number > 0, got %g", l.TickRate))
	}
	if l.Pacing != PacingAlways && l.Pacing != PacingNever {
		errs = append(errs, fmt.Sprintf("loop.pacing must be one of [always, never], got %q", l.Pacing))
	}
	if l.ReportInterval < 0 {
		errs = append(errs, "loop.report_interval must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validRate(r float64) bool {
	return r > 0 && !math.IsInf(r, 0)
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be > 0")
	}
	if s.PingInterval <= 0 {
		errs = append(errs, "session.ping_interval must be > 0")
	}
	if s.PingTimeout <= 0 {
		errs = append(errs, "session.ping_timeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	switch a.ShutdownPolicy {
	case PolicyAllowAll, PolicyAdmitted:
		return nil
	case PolicyAllowlist:
		if a.AllowlistFile == "" {
			return fmt.Errorf("auth.allowlist_file must be set when auth.shutdown_policy is %q", PolicyAllowlist)
		}
		return nil
	default:
		return fmt.Errorf("auth.shutdown_policy must be one of [allow_all, admitted, allowlist], got %q", a.ShutdownPolicy)
	}
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.QueueLimit < 0 {
		errs = append(errs, fmt.Sprintf("transport.queue_limit must be >= 0, got %d", t.QueueLimit))
	}
	if t.ReadBuffer < 64 {
		errs = append(errs, fmt.Sprintf("transport.read_buffer must be >= 64, got %d", t.ReadBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// New returns a Viper instance with defaults and MINETEST_ environment overrides applied.
//
// Postcondition: Returns a non-nil Viper ready for flag binding and ReadInConfig.
func New() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with MINETEST_ prefix
	v.SetEnvPrefix("MINETEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"server":    "server.server",
	"address":   "server.address",
	"port":      "server.port",
	"game":      "server.game",
	"name":      "server.client_name",
	"log-level": "logging.level",
}

// BindFlags binds the command line flags that exist in flags to their configuration
// keys so that explicitly set flags override file and environment values.
//
// Precondition: v and flags must be non-nil.
// Postcondition: Returns the first binding error, if any.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.server", false)
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 30001)
	v.SetDefault("server.game", "minetest")
	v.SetDefault("server.client_name", "singleplayer")

	v.SetDefault("loop.frame_rate", 60.0)
	v.SetDefault("loop.tick_rate", 20.0)
	v.SetDefault("loop.pacing", PacingAlways)
	v.SetDefault("loop.report_interval", "1s")

	v.SetDefault("session.handshake_timeout", "3s")
	v.SetDefault("session.ping_interval", "3s")
	v.SetDefault("session.ping_timeout", "3s")

	v.SetDefault("auth.shutdown_policy", PolicyAdmitted)
	v.SetDefault("auth.allowlist_file", "")

	v.SetDefault("transport.queue_limit", 4096)
	v.SetDefault("transport.read_buffer", 2048)

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
