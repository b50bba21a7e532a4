package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
instance_id = "8f1c3a52-9f06-4b39-b1a4-1f0a2d7c9b11"

[machine]
vcpus = 2
memory = "256M"
pause_timeout_ms = 250
seccomp_level = 0

[console]
enabled = true
base = 0xd0000000

[[disk]]
name = "vda"
path = "/tmp/disk.img"

[disk.ratelimit]
bytes_per_sec = 1048576
ops_per_sec = 100

[net]
enabled = true
tap = "tap0"

[metadata]
hostname = "vm0"

[control]
socket = "/run/vm.sock"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8f1c3a52-9f06-4b39-b1a4-1f0a2d7c9b11", cfg.InstanceID)
	assert.Equal(t, 2, cfg.Machine.VCPUs)
	assert.Equal(t, 256<<20, cfg.MemSize())
	assert.Equal(t, 250*time.Millisecond, cfg.PauseTimeout())
	assert.True(t, cfg.Console.Enabled)
	assert.Equal(t, uint64(0xd0000000), cfg.Console.Base)
	require.Len(t, cfg.Disks, 1)
	assert.Equal(t, int64(1048576), cfg.Disks[0].RateLimit.BytesPerSec)
	assert.Equal(t, "tap0", cfg.Net.Tap)
	assert.Equal(t, "vm0", cfg.Metadata["hostname"])
	assert.Equal(t, "/run/vm.sock", cfg.Control.Socket)
	assert.True(t, cfg.Serial.Enabled, "defaults survive partial files")
}

func TestValidateFillsInstanceID(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	_, err := uuid.Parse(cfg.InstanceID)
	assert.NoError(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero vcpus", func(c *config.Config) { c.Machine.VCPUs = 0 }},
		{"bad memory", func(c *config.Config) { c.Machine.Memory = "lots" }},
		{"tiny memory", func(c *config.Config) { c.Machine.Memory = "4K" }},
		{"zero pause timeout", func(c *config.Config) { c.Machine.PauseTimeoutMS = 0 }},
		{"bad seccomp level", func(c *config.Config) { c.Machine.SeccompLevel = 9 }},
		{"bad instance id", func(c *config.Config) { c.InstanceID = "not-a-uuid" }},
		{"nameless disk", func(c *config.Config) { c.Disks = []config.Disk{{Path: "/x"}} }},
		{"pathless disk", func(c *config.Config) { c.Disks = []config.Disk{{Name: "vda"}} }},
		{"duplicate disks", func(c *config.Config) {
			c.Disks = []config.Disk{{Name: "vda", Path: "/x"}, {Name: "vda", Path: "/y"}}
		}},
		{"net without tap", func(c *config.Config) { c.Net.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}
}

func TestParseSize(t *testing.T) {
	for _, tt := range []struct {
		in   string
		unit string
		want int
	}{
		{"1G", "", 1 << 30},
		{"512m", "", 512 << 20},
		{"16K", "", 16 << 10},
		{"2", "g", 2 << 30},
		{"0x10", "", 16},
		{"128", "", 128},
	} {
		got, err := config.ParseSize(tt.in, tt.unit)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := config.ParseSize("", "")
	assert.Error(t, err)

	_, err = config.ParseSize("12q", "")
	assert.Error(t, err)
}
