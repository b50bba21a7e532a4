// Package config loads and validates the monitor's TOML configuration.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tinyvmm/tinyvmm/ratelimit"
	"github.com/tinyvmm/tinyvmm/sandbox"
)

// ErrInvalid tags every validation failure so callers can distinguish bad
// configuration from runtime faults.
var ErrInvalid = errors.New("invalid configuration")

const (
	// MinMemSize is the smallest guest memory we accept.
	MinMemSize = 1 << 20

	defaultPauseTimeout = 1000 * time.Millisecond
	defaultMemory       = "128M"
	defaultVCPUs        = 1
)

// Machine sizes the VM itself.
type Machine struct {
	VCPUs  int    `toml:"vcpus"`
	Memory string `toml:"memory"`
	// PauseTimeoutMS bounds how long a pause waits for all execution
	// domains to park before giving up.
	PauseTimeoutMS int64 `toml:"pause_timeout_ms"`
	SeccompLevel   int   `toml:"seccomp_level"`
}

// Serial configures the UART.
type Serial struct {
	Enabled bool `toml:"enabled"`
}

// Console configures the early MMIO console.
type Console struct {
	Enabled bool   `toml:"enabled"`
	Base    uint64 `toml:"base"`
}

// Disk configures one block device.
type Disk struct {
	Name      string           `toml:"name"`
	Path      string           `toml:"path"`
	RateLimit ratelimit.Config `toml:"ratelimit"`
}

// Net configures the tap-backed NIC.
type Net struct {
	Enabled   bool             `toml:"enabled"`
	Tap       string           `toml:"tap"`
	RateLimit ratelimit.Config `toml:"ratelimit"`
}

// Control configures the monitor's command socket.
type Control struct {
	Socket string `toml:"socket"`
}

// Log configures logging output.
type Log struct {
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
}

// Config is the whole monitor configuration.
type Config struct {
	InstanceID string            `toml:"instance_id"`
	Machine    Machine           `toml:"machine"`
	Serial     Serial            `toml:"serial"`
	Console    Console           `toml:"console"`
	Disks      []Disk            `toml:"disk"`
	Net        Net               `toml:"net"`
	Metadata   map[string]string `toml:"metadata"`
	Control    Control           `toml:"control"`
	Log        Log               `toml:"log"`
}

// Default returns a runnable single-vCPU configuration.
func Default() Config {
	return Config{
		Machine: Machine{
			VCPUs:          defaultVCPUs,
			Memory:         defaultMemory,
			PauseTimeoutMS: defaultPauseTimeout.Milliseconds(),
			SeccompLevel:   int(sandbox.LevelBasic),
		},
		Serial: Serial{Enabled: true},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration and fills derived defaults: a missing
// instance ID gets a fresh UUID.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	} else if _, err := uuid.Parse(c.InstanceID); err != nil {
		return errors.Wrapf(ErrInvalid, "instance_id %q is not a UUID", c.InstanceID)
	}

	if c.Machine.VCPUs < 1 {
		return errors.Wrapf(ErrInvalid, "vcpus %d, need at least 1", c.Machine.VCPUs)
	}

	memSize, err := ParseSize(c.Machine.Memory, "")
	if err != nil {
		return errors.Wrapf(ErrInvalid, "memory %q: %v", c.Machine.Memory, err)
	}

	if memSize < MinMemSize {
		return errors.Wrapf(ErrInvalid, "memory %q below minimum %d", c.Machine.Memory, MinMemSize)
	}

	if c.Machine.PauseTimeoutMS <= 0 {
		return errors.Wrapf(ErrInvalid, "pause_timeout_ms %d must be positive", c.Machine.PauseTimeoutMS)
	}

	switch sandbox.Level(c.Machine.SeccompLevel) {
	case sandbox.LevelOff, sandbox.LevelBasic:
	default:
		return errors.Wrapf(ErrInvalid, "seccomp_level %d", c.Machine.SeccompLevel)
	}

	seen := map[string]bool{}

	for i, d := range c.Disks {
		if d.Name == "" {
			return errors.Wrapf(ErrInvalid, "disk %d has no name", i)
		}

		if seen[d.Name] {
			return errors.Wrapf(ErrInvalid, "duplicate disk name %q", d.Name)
		}

		seen[d.Name] = true

		if d.Path == "" {
			return errors.Wrapf(ErrInvalid, "disk %q has no path", d.Name)
		}
	}

	if c.Net.Enabled && c.Net.Tap == "" {
		return errors.Wrapf(ErrInvalid, "net enabled without a tap interface")
	}

	return nil
}

// MemSize returns the parsed guest memory size. Call after Validate.
func (c *Config) MemSize() int {
	n, _ := ParseSize(c.Machine.Memory, "")

	return n
}

// PauseTimeout returns the pause deadline as a duration.
func (c *Config) PauseTimeout() time.Duration {
	return time.Duration(c.Machine.PauseTimeoutMS) * time.Millisecond
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if absent, unit is used. The number can be any base.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, errors.Wrapf(strconv.ErrSyntax, "%q: can't parse as num[gGmMkK]", s)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, errors.Wrapf(strconv.ErrSyntax, "can not parse %q as num[gGmMkK]", s)
}
