package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/vramtest/internal/gpu"
)

// DeviceProfile describes the capability tables of a software device, so a
// run can mimic the queue and memory layout of a particular GPU.
type DeviceProfile struct {
	Name          string `yaml:"name"`
	QueueFamilies []struct {
		Flags []string `yaml:"flags"`
		Count uint32   `yaml:"count"`
	} `yaml:"queueFamilies"`
	MemoryTypes []struct {
		Flags []string `yaml:"flags"`
		Heap  uint32   `yaml:"heap"`
	} `yaml:"memoryTypes"`
	MemoryHeaps []struct {
		Size        ByteSize `yaml:"size"`
		DeviceLocal bool     `yaml:"deviceLocal"`
	} `yaml:"memoryHeaps"`
	Limits struct {
		MaxAllocationCount uint32   `yaml:"maxAllocationCount"`
		MaxAllocationSize  ByteSize `yaml:"maxAllocationSize"`
	} `yaml:"limits"`
}

func LoadDeviceProfile(path string) (*DeviceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var profile DeviceProfile
	err = yaml.Unmarshal(data, &profile)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	return &profile, nil
}

// Apply overlays the tables present in the profile onto cfg. Tables the
// profile leaves empty keep their values from cfg.
func (p *DeviceProfile) Apply(cfg gpu.CPUConfig) (gpu.CPUConfig, error) {
	if p.Name != "" {
		cfg.Name = p.Name
	}
	if len(p.QueueFamilies) > 0 {
		cfg.QueueFamilies = make([]gpu.QueueFamilyProperties, len(p.QueueFamilies))
		for i, qf := range p.QueueFamilies {
			flags, err := gpu.ParseQueueFlags(qf.Flags)
			if err != nil {
				return gpu.CPUConfig{}, errors.Wrapf(err, "queueFamilies[%d]", i)
			}
			cfg.QueueFamilies[i] = gpu.QueueFamilyProperties{Flags: flags, QueueCount: qf.Count}
		}
	}
	if len(p.MemoryHeaps) > 0 {
		cfg.MemoryHeaps = make([]gpu.MemoryHeap, len(p.MemoryHeaps))
		for i, h := range p.MemoryHeaps {
			cfg.MemoryHeaps[i] = gpu.MemoryHeap{Size: uint64(h.Size), DeviceLocal: h.DeviceLocal}
		}
	}
	if len(p.MemoryTypes) > 0 {
		cfg.MemoryTypes = make([]gpu.MemoryType, len(p.MemoryTypes))
		for i, mt := range p.MemoryTypes {
			flags, err := gpu.ParseMemoryPropertyFlags(mt.Flags)
			if err != nil {
				return gpu.CPUConfig{}, errors.Wrapf(err, "memoryTypes[%d]", i)
			}
			cfg.MemoryTypes[i] = gpu.MemoryType{PropertyFlags: flags, HeapIndex: mt.Heap}
		}
	}
	if len(cfg.MemoryTypes) > 32 {
		return gpu.CPUConfig{}, errors.Errorf("%d memory types, at most 32 are supported", len(cfg.MemoryTypes))
	}
	for i, mt := range cfg.MemoryTypes {
		if int(mt.HeapIndex) >= len(cfg.MemoryHeaps) {
			return gpu.CPUConfig{}, errors.Errorf("memoryTypes[%d] references heap %d of %d", i, mt.HeapIndex, len(cfg.MemoryHeaps))
		}
	}
	if p.Limits.MaxAllocationCount > 0 {
		cfg.Limits.MaxMemoryAllocationCount = p.Limits.MaxAllocationCount
	}
	if p.Limits.MaxAllocationSize > 0 {
		cfg.Limits.MaxMemoryAllocationSize = uint64(p.Limits.MaxAllocationSize)
	}
	return cfg, nil
}
