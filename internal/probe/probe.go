// Package probe snapshots the capabilities of a physical device and
// answers the queue-family and memory-type questions the rest of the
// tester asks about it.
package probe

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fxnlabs/vramtest/internal/gpu"
)

var (
	// ErrProbeFailed wraps any failing capability query.
	ErrProbeFailed = errors.New("capability probe failed")
	// ErrNoSuitableQueueFamily is returned when no family has the required flags.
	ErrNoSuitableQueueFamily = errors.New("no suitable queue family")
	// ErrNoSuitableMemoryType is returned when no memory type has the required flags.
	ErrNoSuitableMemoryType = errors.New("no suitable memory type")
)

// Profile is an immutable snapshot of one physical device.
type Profile struct {
	deviceID      string
	properties    gpu.DeviceProperties
	memory        gpu.MemoryProperties
	features      gpu.Features
	queueFamilies []gpu.QueueFamilyProperties
}

// Probe queries every capability table of pd. A failing query is fatal:
// there is nothing meaningful to do with a partially known device.
func Probe(pd gpu.PhysicalDevice) (*Profile, error) {
	props, err := pd.Properties()
	if err != nil {
		return nil, probeError(pd, "properties", err)
	}
	mem, err := pd.MemoryProperties()
	if err != nil {
		return nil, probeError(pd, "memory properties", err)
	}
	features, err := pd.Features()
	if err != nil {
		return nil, probeError(pd, "features", err)
	}
	families, err := pd.QueueFamilyProperties()
	if err != nil {
		return nil, probeError(pd, "queue family properties", err)
	}
	for i, mt := range mem.Types {
		if int(mt.HeapIndex) >= len(mem.Heaps) {
			return nil, errors.Wrapf(ErrProbeFailed, "device %s: memory type %d references missing heap %d", pd.ID(), i, mt.HeapIndex)
		}
	}

	return &Profile{
		deviceID:      pd.ID(),
		properties:    props,
		memory:        gpu.MemoryProperties{Types: clone(mem.Types), Heaps: clone(mem.Heaps)},
		features:      features,
		queueFamilies: clone(families),
	}, nil
}

func probeError(pd gpu.PhysicalDevice, query string, err error) error {
	return fmt.Errorf("%w: device %s: %s query: %w", ErrProbeFailed, pd.ID(), query, err)
}

func clone[T any](s []T) []T {
	return append([]T(nil), s...)
}

// DeviceID returns the id of the probed physical device.
func (p *Profile) DeviceID() string {
	return p.deviceID
}

// Properties returns the device properties and limits.
func (p *Profile) Properties() gpu.DeviceProperties {
	return p.properties
}

// Features returns the supported feature set.
func (p *Profile) Features() gpu.Features {
	return p.features
}

// MemoryTypes returns a copy of the memory type table.
func (p *Profile) MemoryTypes() []gpu.MemoryType {
	return clone(p.memory.Types)
}

// MemoryHeaps returns a copy of the memory heap table.
func (p *Profile) MemoryHeaps() []gpu.MemoryHeap {
	return clone(p.memory.Heaps)
}

// QueueFamilies returns a copy of the queue family table.
func (p *Profile) QueueFamilies() []gpu.QueueFamilyProperties {
	return clone(p.queueFamilies)
}

// QueueFamily returns the descriptor of family index.
func (p *Profile) QueueFamily(index uint32) (gpu.QueueFamilyProperties, bool) {
	if int(index) >= len(p.queueFamilies) {
		return gpu.QueueFamilyProperties{}, false
	}
	return p.queueFamilies[index], true
}

// MemoryType returns the memory type at index.
func (p *Profile) MemoryType(index uint32) (gpu.MemoryType, bool) {
	if int(index) >= len(p.memory.Types) {
		return gpu.MemoryType{}, false
	}
	return p.memory.Types[index], true
}

// FindQueueFamily returns the lowest-index family whose flags contain all
// of required and that exposes at least one queue.
func (p *Profile) FindQueueFamily(required gpu.QueueFlags) (uint32, bool) {
	for i, f := range p.queueFamilies {
		if f.QueueCount > 0 && f.Flags.Contains(required) {
			return uint32(i), true
		}
	}
	return 0, false
}

// FindMemoryType returns the lowest-index memory type whose property
// flags contain all of required. Table order is the driver's preference
// order, so the first match wins.
func (p *Profile) FindMemoryType(required gpu.MemoryPropertyFlags) (uint32, bool) {
	return p.FindMemoryTypeFor(^uint32(0), required)
}

// FindMemoryTypeFor is FindMemoryType restricted to the types allowed by
// typeBits, as reported in a buffer's memory requirements.
func (p *Profile) FindMemoryTypeFor(typeBits uint32, required gpu.MemoryPropertyFlags) (uint32, bool) {
	for i, mt := range p.memory.Types {
		if i < 32 && typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if mt.PropertyFlags.Contains(required) {
			return uint32(i), true
		}
	}
	return 0, false
}

// HeapSize returns the size of the heap backing memory type index.
func (p *Profile) HeapSize(typeIndex uint32) uint64 {
	mt, ok := p.MemoryType(typeIndex)
	if !ok {
		return 0
	}
	return p.memory.Heaps[mt.HeapIndex].Size
}
