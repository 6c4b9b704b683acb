package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/vramtest/internal/exerciser"
	"github.com/fxnlabs/vramtest/internal/gpu"
)

// ByteSize is a size in bytes that can be written in YAML either as an
// integer or as a string such as "16MiB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string {
	return gpu.HumanSize(uint64(b))
}

// Fault is a bit flip injected into a software device.
type Fault struct {
	Device     int      `yaml:"device"`
	Allocation int      `yaml:"allocation"`
	Offset     ByteSize `yaml:"offset"`
	Bit        uint8    `yaml:"bit"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		Index         int      `yaml:"index"`
		QueueFlags    []string `yaml:"queueFlags"`
		QueueCount    uint32   `yaml:"queueCount"`
		QueuePriority float32  `yaml:"queuePriority"`
		MemoryFlags   []string `yaml:"memoryFlags"`
	} `yaml:"device"`
	Test struct {
		Tiers            []string      `yaml:"tiers"`
		Patterns         string        `yaml:"patterns"`
		ChunkSize        ByteSize      `yaml:"chunkSize"`
		WaitTimeout      time.Duration `yaml:"waitTimeout"`
		MaxDiscrepancies int           `yaml:"maxDiscrepancies"`
	} `yaml:"test"`
	Soft struct {
		Devices         int      `yaml:"devices"`
		Profile         string   `yaml:"profile"`
		DeviceLocalHeap ByteSize `yaml:"deviceLocalHeap"`
		HostHeap        ByteSize `yaml:"hostHeap"`
		Faults          []Fault  `yaml:"faults"`
	} `yaml:"soft"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Device.QueueFlags = []string{"transfer"}
	c.Device.QueueCount = 1
	c.Device.QueuePriority = 1.0
	c.Device.MemoryFlags = []string{"device_local"}
	c.Test.Tiers = []string{"KB", "MB", "GB"}
	c.Test.Patterns = "canonical"
	c.Test.ChunkSize = ByteSize(exerciser.DefaultOptions().ChunkSize)
	c.Test.WaitTimeout = exerciser.DefaultOptions().WaitTimeout
	c.Test.MaxDiscrepancies = exerciser.DefaultOptions().MaxDiscrepancies
	c.Soft.Devices = 1
	return &c
}

// LoadConfig reads path over the defaults and validates the result. A
// relative soft.profile is resolved against the directory of path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	if p := config.Soft.Profile; p != "" && !filepath.IsAbs(p) {
		config.Soft.Profile = filepath.Join(filepath.Dir(path), p)
	}

	return config, nil
}

// Validate checks every field that can be checked without a device.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		return errors.Wrap(err, "logger.verbosity")
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		return errors.Errorf("logger.encoding must be json or console, got %q", c.Logger.Encoding)
	}

	if _, err := c.QueueFlags(); err != nil {
		return errors.Wrap(err, "device.queueFlags")
	}
	if _, err := c.MemoryFlags(); err != nil {
		return errors.Wrap(err, "device.memoryFlags")
	}
	if c.Device.QueueCount == 0 {
		return errors.New("device.queueCount must be at least 1")
	}
	if c.Device.QueuePriority < 0 || c.Device.QueuePriority > 1 {
		return errors.Errorf("device.queuePriority %v outside [0, 1]", c.Device.QueuePriority)
	}
	if c.Soft.Devices < 1 {
		return errors.New("soft.devices must be at least 1")
	}
	if c.Device.Index < 0 || c.Device.Index >= c.Soft.Devices {
		return errors.Errorf("device.index %d outside [0, %d)", c.Device.Index, c.Soft.Devices)
	}

	if _, err := c.Tiers(); err != nil {
		return errors.Wrap(err, "test.tiers")
	}
	if _, err := c.Patterns(); err != nil {
		return errors.Wrap(err, "test.patterns")
	}
	if c.Test.ChunkSize < 4 || c.Test.ChunkSize%4 != 0 {
		return errors.Errorf("test.chunkSize %d must be a positive multiple of 4", uint64(c.Test.ChunkSize))
	}
	if c.Test.WaitTimeout <= 0 {
		return errors.New("test.waitTimeout must be positive")
	}
	if c.Test.MaxDiscrepancies < 0 {
		return errors.New("test.maxDiscrepancies must not be negative")
	}

	for i, f := range c.Soft.Faults {
		if f.Device < 0 || f.Device >= c.Soft.Devices {
			return errors.Errorf("soft.faults[%d].device %d outside [0, %d)", i, f.Device, c.Soft.Devices)
		}
		if f.Allocation < 1 {
			return errors.Errorf("soft.faults[%d].allocation must be at least 1", i)
		}
		if f.Bit > 7 {
			return errors.Errorf("soft.faults[%d].bit %d outside [0, 7]", i, f.Bit)
		}
	}
	return nil
}

// QueueFlags returns the flags the selected queue family must contain.
func (c *Config) QueueFlags() (gpu.QueueFlags, error) {
	return gpu.ParseQueueFlags(c.Device.QueueFlags)
}

// MemoryFlags returns the property flags tested memory must have.
func (c *Config) MemoryFlags() (gpu.MemoryPropertyFlags, error) {
	return gpu.ParseMemoryPropertyFlags(c.Device.MemoryFlags)
}

// Tiers resolves test.tiers.
func (c *Config) Tiers() ([]exerciser.Tier, error) {
	if len(c.Test.Tiers) == 0 {
		return nil, errors.New("no tiers selected")
	}
	tiers := make([]exerciser.Tier, 0, len(c.Test.Tiers))
	for _, name := range c.Test.Tiers {
		t, err := exerciser.ParseTier(name)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

// Patterns resolves test.patterns.
func (c *Config) Patterns() ([]uint32, error) {
	switch strings.ToLower(c.Test.Patterns) {
	case "", "canonical":
		return exerciser.CanonicalPatterns, nil
	case "extended":
		return exerciser.ExtendedPatterns, nil
	default:
		return nil, errors.Errorf("unknown pattern set %q", c.Test.Patterns)
	}
}

// ExerciserOptions returns the exerciser tuning from the test section.
func (c *Config) ExerciserOptions() exerciser.Options {
	return exerciser.Options{
		ChunkSize:        uint64(c.Test.ChunkSize),
		WaitTimeout:      c.Test.WaitTimeout,
		MaxDiscrepancies: c.Test.MaxDiscrepancies,
	}
}

// CPUConfig builds the software device description: the default device,
// then the profile file if any, then the heap size overrides.
func (c *Config) CPUConfig() (gpu.CPUConfig, error) {
	cfg := gpu.DefaultCPUConfig()
	if c.Soft.Profile != "" {
		profile, err := LoadDeviceProfile(c.Soft.Profile)
		if err != nil {
			return gpu.CPUConfig{}, err
		}
		if cfg, err = profile.Apply(cfg); err != nil {
			return gpu.CPUConfig{}, errors.Wrapf(err, "device profile %s", c.Soft.Profile)
		}
	}
	for i := range cfg.MemoryHeaps {
		switch {
		case cfg.MemoryHeaps[i].DeviceLocal && c.Soft.DeviceLocalHeap > 0:
			cfg.MemoryHeaps[i].Size = uint64(c.Soft.DeviceLocalHeap)
		case !cfg.MemoryHeaps[i].DeviceLocal && c.Soft.HostHeap > 0:
			cfg.MemoryHeaps[i].Size = uint64(c.Soft.HostHeap)
		}
	}
	return cfg, nil
}
