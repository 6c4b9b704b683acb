package gpu

import (
	"context"
	"time"
)

// DeviceType classifies a physical device.
type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegrated:
		return "integrated"
	case DeviceTypeDiscrete:
		return "discrete"
	case DeviceTypeVirtual:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// Limits holds the device limits the memory tester cares about.
type Limits struct {
	MaxMemoryAllocationCount uint32 `json:"maxMemoryAllocationCount"`
	MaxMemoryAllocationSize  uint64 `json:"maxMemoryAllocationSize"`
	MaxBufferSize            uint64 `json:"maxBufferSize"`
	MinMemoryMapAlignment    uint64 `json:"minMemoryMapAlignment"`
	NonCoherentAtomSize      uint64 `json:"nonCoherentAtomSize"`
}

// DeviceProperties contains information about the physical device.
type DeviceProperties struct {
	Name          string     `json:"name"`
	APIVersion    uint32     `json:"apiVersion"`
	DriverVersion uint32     `json:"driverVersion"`
	VendorID      uint32     `json:"vendorID"`
	DeviceID      uint32     `json:"deviceID"`
	Type          DeviceType `json:"type"`
	Limits        Limits     `json:"limits"`
}

// MemoryType is one entry of the driver-reported memory type table.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags `json:"propertyFlags"`
	HeapIndex     uint32              `json:"heapIndex"`
}

// MemoryHeap is one entry of the driver-reported heap table.
type MemoryHeap struct {
	Size        uint64 `json:"size"`
	DeviceLocal bool   `json:"deviceLocal"`
}

// MemoryProperties groups the memory type and heap tables.
type MemoryProperties struct {
	Types []MemoryType `json:"types"`
	Heaps []MemoryHeap `json:"heaps"`
}

// Features lists the optional device features relevant to buffer testing.
type Features struct {
	SparseBinding       bool `json:"sparseBinding"`
	ShaderInt64         bool `json:"shaderInt64"`
	RobustBufferAccess  bool `json:"robustBufferAccess"`
	BufferDeviceAddress bool `json:"bufferDeviceAddress"`
}

// Missing returns true if want enables a feature f does not support.
func (f Features) Missing(want Features) bool {
	return (want.SparseBinding && !f.SparseBinding) ||
		(want.ShaderInt64 && !f.ShaderInt64) ||
		(want.RobustBufferAccess && !f.RobustBufferAccess) ||
		(want.BufferDeviceAddress && !f.BufferDeviceAddress)
}

// QueueFamilyProperties describes one queue family.
type QueueFamilyProperties struct {
	Flags      QueueFlags `json:"flags"`
	QueueCount uint32     `json:"queueCount"`
}

// QueueCreateInfo requests queues from a single family.
type QueueCreateInfo struct {
	FamilyIndex uint32
	Priorities  []float32
}

// DeviceCreateInfo is passed to PhysicalDevice.CreateDevice.
type DeviceCreateInfo struct {
	Queues   []QueueCreateInfo
	Features Features
}

// BufferCreateInfo is passed to Device.CreateBuffer.
type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsage
}

// MemoryAllocateInfo is passed to Device.AllocateMemory.
type MemoryAllocateInfo struct {
	Size      uint64
	TypeIndex uint32
}

// MemoryRequirements is what a buffer needs from its backing memory.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

// BufferCopy is one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// WholeSize selects the remainder of a buffer from the given offset.
const WholeSize = ^uint64(0)

// Opaque driver handles. Zero is never a valid handle.
type (
	Buffer      uint64
	Memory      uint64
	CommandPool uint64
	Fence       uint64
)

// PhysicalDevice is a concrete accelerator exposed by the driver stack.
// It is borrowed by the core and never destroyed by it.
type PhysicalDevice interface {
	// ID returns an identifier that is stable for the lifetime of the process.
	ID() string
	Properties() (DeviceProperties, error)
	MemoryProperties() (MemoryProperties, error)
	Features() (Features, error)
	QueueFamilyProperties() ([]QueueFamilyProperties, error)
	// CreateDevice opens a logical device with the requested queues.
	CreateDevice(info DeviceCreateInfo) (Device, error)
}

// Device is a logical device. All objects created from it must be
// destroyed before Destroy is called.
type Device interface {
	Queue(family, index uint32) (Queue, error)

	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	DestroyBuffer(buf Buffer)
	BufferMemoryRequirements(buf Buffer) (MemoryRequirements, error)

	AllocateMemory(info MemoryAllocateInfo) (Memory, error)
	FreeMemory(mem Memory)
	BindBufferMemory(buf Buffer, mem Memory, offset uint64) error

	// MapMemory returns a host view of a host-visible allocation. The view
	// is valid until UnmapMemory.
	MapMemory(mem Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(mem Memory)

	CreateCommandPool(family uint32) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)

	CreateFence() (Fence, error)
	DestroyFence(fence Fence)
	ResetFence(fence Fence) error
	// WaitForFence blocks until the fence signals, the timeout expires
	// (ErrTimeout) or ctx is done.
	WaitForFence(ctx context.Context, fence Fence, timeout time.Duration) error

	WaitIdle() error
	Destroy()
}

// Queue accepts recorded command buffers for asynchronous execution.
type Queue interface {
	Family() uint32
	Index() uint32
	// Submit schedules cmd and signals fence once it has executed.
	Submit(cmd CommandBuffer, fence Fence) error
}

// CommandBuffer records transfer commands.
type CommandBuffer interface {
	Begin() error
	FillBuffer(dst Buffer, offset, size uint64, data uint32)
	TransferBarrier()
	CopyBuffer(src, dst Buffer, regions ...BufferCopy)
	// End finishes recording and reports the first recording error.
	End() error
	Reset() error
}
