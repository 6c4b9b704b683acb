package gpu

import (
	"fmt"
	"strings"
)

// QueueFlags describes the operations a queue family supports.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
	QueueSparseBinding
)

// Contains reports whether every bit of required is set in f.
func (f QueueFlags) Contains(required QueueFlags) bool {
	return f&required == required
}

func (f QueueFlags) String() string {
	return flagString(uint32(f), queueFlagNames)
}

// MemoryPropertyFlags describes the properties of a memory type.
type MemoryPropertyFlags uint32

const (
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

// Contains reports whether every bit of required is set in f.
func (f MemoryPropertyFlags) Contains(required MemoryPropertyFlags) bool {
	return f&required == required
}

func (f MemoryPropertyFlags) String() string {
	return flagString(uint32(f), memoryFlagNames)
}

// BufferUsage describes how a buffer will be used by the device.
type BufferUsage uint32

const (
	UsageTransferSrc BufferUsage = 1 << iota
	UsageTransferDst
	UsageStorage
)

// Contains reports whether every bit of required is set in u.
func (u BufferUsage) Contains(required BufferUsage) bool {
	return u&required == required
}

func (u BufferUsage) String() string {
	return flagString(uint32(u), usageNames)
}

type flagName struct {
	bit  uint32
	name string
}

var queueFlagNames = []flagName{
	{uint32(QueueGraphics), "graphics"},
	{uint32(QueueCompute), "compute"},
	{uint32(QueueTransfer), "transfer"},
	{uint32(QueueSparseBinding), "sparse_binding"},
}

var memoryFlagNames = []flagName{
	{uint32(MemoryDeviceLocal), "device_local"},
	{uint32(MemoryHostVisible), "host_visible"},
	{uint32(MemoryHostCoherent), "host_coherent"},
	{uint32(MemoryHostCached), "host_cached"},
	{uint32(MemoryLazilyAllocated), "lazily_allocated"},
}

var usageNames = []flagName{
	{uint32(UsageTransferSrc), "transfer_src"},
	{uint32(UsageTransferDst), "transfer_dst"},
	{uint32(UsageStorage), "storage"},
}

func flagString(v uint32, names []flagName) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, "|")
}

func parseFlags(kind string, values []string, names []flagName) (uint32, error) {
	var out uint32
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		found := false
		for _, n := range names {
			if n.name == v {
				out |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown %s flag %q", kind, v)
		}
	}
	return out, nil
}

// ParseQueueFlags converts names such as "transfer" or "compute" into QueueFlags.
func ParseQueueFlags(values []string) (QueueFlags, error) {
	f, err := parseFlags("queue", values, queueFlagNames)
	return QueueFlags(f), err
}

// ParseMemoryPropertyFlags converts names such as "device_local" into MemoryPropertyFlags.
func ParseMemoryPropertyFlags(values []string) (MemoryPropertyFlags, error) {
	f, err := parseFlags("memory property", values, memoryFlagNames)
	return MemoryPropertyFlags(f), err
}
