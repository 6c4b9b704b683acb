package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/vramtest/fixtures"
	"github.com/fxnlabs/vramtest/internal/exerciser"
	"github.com/fxnlabs/vramtest/internal/gpu"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "json", config.Logger.Encoding)
		assert.Equal(t, 1, config.Device.Index)
		assert.Equal(t, float32(0.5), config.Device.QueuePriority)
		assert.Equal(t, []string{"KB", "MB", "GB"}, config.Test.Tiers)
		assert.Equal(t, ByteSize(8<<20), config.Test.ChunkSize)
		assert.Equal(t, 30*time.Second, config.Test.WaitTimeout)
		assert.Equal(t, 16, config.Test.MaxDiscrepancies)
		assert.Equal(t, 2, config.Soft.Devices)
		assert.Equal(t, ByteSize(24<<30), config.Soft.DeviceLocalHeap)
		assert.Equal(t, filepath.Join("..", "..", "fixtures", "tests", "config", "device_profile.yaml"), config.Soft.Profile)
		assert.Equal(t, []Fault{{Device: 1, Allocation: 4, Offset: 4096, Bit: 3}}, config.Soft.Faults)
		assert.Equal(t, "127.0.0.1:9100", config.Metrics.Listen)

		flags, err := config.QueueFlags()
		require.NoError(t, err)
		assert.Equal(t, gpu.QueueTransfer|gpu.QueueCompute, flags)

		patterns, err := config.Patterns()
		require.NoError(t, err)
		assert.Equal(t, exerciser.ExtendedPatterns, patterns)

		tiers, err := config.Tiers()
		require.NoError(t, err)
		assert.Equal(t, []exerciser.Tier{exerciser.TierKB, exerciser.TierMB, exerciser.TierGB}, tiers)

		opts := config.ExerciserOptions()
		assert.Equal(t, uint64(8<<20), opts.ChunkSize)
		assert.Equal(t, 30*time.Second, opts.WaitTimeout)
	})

	t.Run("defaults fill missing fields", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, "logger:\n  verbosity: warn\n"))
		require.NoError(t, err)
		assert.Equal(t, "warn", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, []string{"KB", "MB", "GB"}, config.Test.Tiers)
		assert.Equal(t, 10*time.Second, config.Test.WaitTimeout)
		assert.Equal(t, uint32(1), config.Device.QueueCount)
	})

	t.Run("embedded template", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, string(fixtures.ConfigTemplate)))
		require.NoError(t, err)
		assert.Equal(t, ByteSize(8<<30), config.Soft.DeviceLocalHeap)
		assert.Equal(t, ByteSize(2<<30), config.Soft.HostHeap)
		assert.Empty(t, config.Soft.Faults)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"verbosity", func(c *Config) { c.Logger.Verbosity = "loud" }, "logger.verbosity"},
		{"encoding", func(c *Config) { c.Logger.Encoding = "xml" }, "logger.encoding"},
		{"queue flag", func(c *Config) { c.Device.QueueFlags = []string{"video"} }, "device.queueFlags"},
		{"memory flag", func(c *Config) { c.Device.MemoryFlags = []string{"fast"} }, "device.memoryFlags"},
		{"queue count", func(c *Config) { c.Device.QueueCount = 0 }, "device.queueCount"},
		{"priority", func(c *Config) { c.Device.QueuePriority = 1.5 }, "device.queuePriority"},
		{"device index", func(c *Config) { c.Device.Index = 1 }, "device.index"},
		{"soft devices", func(c *Config) { c.Soft.Devices = 0 }, "soft.devices"},
		{"tier", func(c *Config) { c.Test.Tiers = []string{"TB"} }, "test.tiers"},
		{"no tiers", func(c *Config) { c.Test.Tiers = nil }, "test.tiers"},
		{"patterns", func(c *Config) { c.Test.Patterns = "random" }, "test.patterns"},
		{"chunk size", func(c *Config) { c.Test.ChunkSize = 6 }, "test.chunkSize"},
		{"timeout", func(c *Config) { c.Test.WaitTimeout = 0 }, "test.waitTimeout"},
		{"max discrepancies", func(c *Config) { c.Test.MaxDiscrepancies = -1 }, "test.maxDiscrepancies"},
		{"fault device", func(c *Config) { c.Soft.Faults = []Fault{{Device: 3, Allocation: 1}} }, "soft.faults[0].device"},
		{"fault allocation", func(c *Config) { c.Soft.Faults = []Fault{{Allocation: 0}} }, "soft.faults[0].allocation"},
		{"fault bit", func(c *Config) { c.Soft.Faults = []Fault{{Allocation: 1, Bit: 8}} }, "soft.faults[0].bit"},
	}

	require.NoError(t, Default().Validate())
	tiers, err := Default().Tiers()
	require.NoError(t, err)
	var names []string
	for _, tier := range tiers {
		names = append(names, tier.Name)
	}
	assert.Equal(t, []string{"KB", "MB", "GB"}, names, "every tier is tested by default")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		yaml string
		want ByteSize
	}{
		{"size: 4096", 4096},
		{"size: 16MiB", 16 << 20},
		{"size: 16MB", 16 << 20},
		{"size: 2g", 2 << 30},
		{"size: \"512 KiB\"", 512 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.yaml, func(t *testing.T) {
			config, err := LoadDeviceProfile(writeConfig(t, "memoryHeaps:\n  - "+tt.yaml+"\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, config.MemoryHeaps[0].Size)
		})
	}

	_, err := LoadDeviceProfile(writeConfig(t, "memoryHeaps:\n  - size: lots\n"))
	assert.Error(t, err)
	assert.Equal(t, "16 MiB", ByteSize(16<<20).String())
}

func TestCPUConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Default().CPUConfig()
		require.NoError(t, err)
		assert.Equal(t, gpu.DefaultCPUConfig(), cfg)
	})

	t.Run("heap overrides", func(t *testing.T) {
		c := Default()
		c.Soft.DeviceLocalHeap = 1 << 30
		c.Soft.HostHeap = 256 << 20
		cfg, err := c.CPUConfig()
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<30), cfg.MemoryHeaps[0].Size)
		assert.Equal(t, uint64(256<<20), cfg.MemoryHeaps[1].Size)
	})

	t.Run("profile then overrides", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		cfg, err := config.CPUConfig()
		require.NoError(t, err)

		assert.Equal(t, "Discrete test GPU", cfg.Name)
		require.Len(t, cfg.QueueFamilies, 3)
		assert.Equal(t, gpu.QueueTransfer|gpu.QueueSparseBinding, cfg.QueueFamilies[2].Flags)
		assert.Equal(t, uint32(16), cfg.QueueFamilies[0].QueueCount)
		require.Len(t, cfg.MemoryTypes, 4)
		assert.Equal(t, gpu.MemoryDeviceLocal|gpu.MemoryHostVisible|gpu.MemoryHostCoherent, cfg.MemoryTypes[3].PropertyFlags)
		assert.Equal(t, uint64(24<<30), cfg.MemoryHeaps[0].Size, "deviceLocalHeap overrides the profile")
		assert.Equal(t, uint64(32<<30), cfg.MemoryHeaps[1].Size)
		assert.Equal(t, uint64(4<<30), cfg.Limits.MaxMemoryAllocationSize)
	})

	t.Run("missing profile", func(t *testing.T) {
		c := Default()
		c.Soft.Profile = "does-not-exist.yaml"
		_, err := c.CPUConfig()
		assert.Error(t, err)
	})
}

func TestDeviceProfile_Apply(t *testing.T) {
	t.Run("unknown flag", func(t *testing.T) {
		p, err := LoadDeviceProfile(writeConfig(t, "queueFamilies:\n  - flags: [video]\n    count: 1\n"))
		require.NoError(t, err)
		_, err = p.Apply(gpu.DefaultCPUConfig())
		assert.ErrorContains(t, err, "queueFamilies[0]")
	})

	t.Run("dangling heap", func(t *testing.T) {
		p, err := LoadDeviceProfile(writeConfig(t, "memoryTypes:\n  - flags: [device_local]\n    heap: 5\n"))
		require.NoError(t, err)
		_, err = p.Apply(gpu.DefaultCPUConfig())
		assert.ErrorContains(t, err, "heap 5")
	})

	t.Run("empty profile keeps base", func(t *testing.T) {
		p, err := LoadDeviceProfile(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		cfg, err := p.Apply(gpu.DefaultCPUConfig())
		require.NoError(t, err)
		assert.Equal(t, gpu.DefaultCPUConfig(), cfg)
	})
}
