// Package config handles scriptbridge.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "scriptbridge.toml"

// Config is the daemon configuration.
type Config struct {
	HTTP    HTTP    `toml:"http"`
	RPC     RPC     `toml:"rpc"`
	Log     Log     `toml:"log"`
	Debug   Debug   `toml:"debug"`
	Journal Journal `toml:"journal"`

	// Path is the file the config was loaded from; empty for defaults.
	Path string `toml:"-"`
}

// HTTP configures the request/reply front end.
type HTTP struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"omitempty,hostname_port"`
}

// RPC configures the remote-call front end.
type RPC struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr" validate:"omitempty,hostname_port"`
	HandleTTL     Duration `toml:"handle-ttl"`
	SweepInterval Duration `toml:"sweep-interval"`
}

// Log configures logging.
type Log struct {
	Level      string `toml:"level" validate:"oneof=trace debug info warn error"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max-size-mb" validate:"gte=1"`
	MaxBackups int    `toml:"max-backups" validate:"gte=0"`
	Console    bool   `toml:"console"`
	Palette    bool   `toml:"palette"`
}

// Debug configures the debugger fallback settings.
type Debug struct {
	// RuntimePath is used when a debug request names none.
	RuntimePath string `toml:"runtime-path"`
	// WaitTimeout bounds the wait for a debugger client; zero waits forever.
	WaitTimeout Duration `toml:"wait-timeout"`
}

// Journal configures the run journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Duration is a time.Duration written as a string such as "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTP{Enabled: true, Addr: "localhost:19812"},
		RPC: RPC{
			Enabled:       true,
			Addr:          "localhost:18812",
			HandleTTL:     Duration{30 * time.Minute},
			SweepInterval: Duration{5 * time.Minute},
		},
		Log: Log{
			Level:      "debug",
			File:       filepath.Join(os.TempDir(), "scriptbridge_log.log"),
			MaxSizeMB:  1,
			MaxBackups: 1,
			Console:    true,
			Palette:    true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses the config file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	meta, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a scriptbridge.toml file and
// loads it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		return fmt.Errorf("rpc.addr is required when rpc is enabled")
	}
	return validate.Struct(c)
}
