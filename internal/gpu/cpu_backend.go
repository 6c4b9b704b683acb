package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CPUConfig describes the software device exposed by CPUPhysicalDevice.
type CPUConfig struct {
	Name          string
	VendorID      uint32
	DeviceID      uint32
	QueueFamilies []QueueFamilyProperties
	MemoryTypes   []MemoryType
	MemoryHeaps   []MemoryHeap
	Features      Features
	Limits        Limits
}

// DefaultCPUConfig returns a device with a universal queue family, a
// dedicated transfer family, one device-local heap and one host heap.
func DefaultCPUConfig() CPUConfig {
	return CPUConfig{
		Name:     fmt.Sprintf("Software device (%s)", runtime.GOARCH),
		VendorID: 0x10005,
		DeviceID: 0x0001,
		QueueFamilies: []QueueFamilyProperties{
			{Flags: QueueGraphics | QueueCompute | QueueTransfer, QueueCount: 1},
			{Flags: QueueTransfer, QueueCount: 2},
		},
		MemoryTypes: []MemoryType{
			{PropertyFlags: MemoryDeviceLocal, HeapIndex: 0},
			{PropertyFlags: MemoryHostVisible | MemoryHostCoherent, HeapIndex: 1},
			{PropertyFlags: MemoryHostVisible | MemoryHostCoherent | MemoryHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []MemoryHeap{
			{Size: 8 << 30, DeviceLocal: true},
			{Size: 2 << 30},
		},
		Features: Features{RobustBufferAccess: true, ShaderInt64: true},
		Limits: Limits{
			MaxMemoryAllocationCount: 4096,
			MaxMemoryAllocationSize:  1 << 40,
			MaxBufferSize:            1 << 40,
			MinMemoryMapAlignment:    64,
			NonCoherentAtomSize:      64,
		},
	}
}

// Fault flips one bit of an allocation every time that byte is read by
// the device. Allocation is the 1-based order in which memory was
// allocated on the physical device.
type Fault struct {
	Allocation int
	Offset     uint64
	Bit        uint8
}

// CPUPhysicalDevice implements PhysicalDevice with host memory. It stands
// in for real hardware in tests and on machines without a driver, and can
// inject faults the way failing memory would.
type CPUPhysicalDevice struct {
	id     string
	cfg    CPUConfig
	logger *zap.Logger

	mu              sync.Mutex
	faults          []Fault
	submitFailures  map[int]error
	stallFences     bool
	allocationCount int
	submissionCount int
	devices         []*cpuDevice
}

// NewCPUPhysicalDevice creates a software physical device.
func NewCPUPhysicalDevice(id string, cfg CPUConfig, logger *zap.Logger) *CPUPhysicalDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CPUPhysicalDevice{
		id:             id,
		cfg:            cfg,
		logger:         logger.Named("cpu").With(zap.String("device", id)),
		submitFailures: make(map[int]error),
	}
}

// ID returns the identifier given at construction.
func (p *CPUPhysicalDevice) ID() string {
	return p.id
}

// Properties returns the configured name, ids and limits.
func (p *CPUPhysicalDevice) Properties() (DeviceProperties, error) {
	return DeviceProperties{
		Name:          p.cfg.Name,
		APIVersion:    1<<22 | 3<<12,
		DriverVersion: 1,
		VendorID:      p.cfg.VendorID,
		DeviceID:      p.cfg.DeviceID,
		Type:          DeviceTypeCPU,
		Limits:        p.cfg.Limits,
	}, nil
}

// MemoryProperties returns copies of the memory type and heap tables.
func (p *CPUPhysicalDevice) MemoryProperties() (MemoryProperties, error) {
	return MemoryProperties{
		Types: append([]MemoryType(nil), p.cfg.MemoryTypes...),
		Heaps: append([]MemoryHeap(nil), p.cfg.MemoryHeaps...),
	}, nil
}

// Features returns the configured feature set.
func (p *CPUPhysicalDevice) Features() (Features, error) {
	return p.cfg.Features, nil
}

// QueueFamilyProperties returns a copy of the queue family table.
func (p *CPUPhysicalDevice) QueueFamilyProperties() ([]QueueFamilyProperties, error) {
	return append([]QueueFamilyProperties(nil), p.cfg.QueueFamilies...), nil
}

// InjectFault registers a bit flip applied on every device read.
func (p *CPUPhysicalDevice) InjectFault(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, f)
}

// FailSubmission makes the n-th queue submission (1-based, counted across
// all devices) fail with err.
func (p *CPUPhysicalDevice) FailSubmission(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitFailures[n] = err
}

// StallFences makes accepted submissions never execute, so their fences
// never signal.
func (p *CPUPhysicalDevice) StallFences(stall bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallFences = stall
}

// LiveObjects returns the number of buffers, allocations, command pools
// and fences not yet destroyed across every logical device.
func (p *CPUPhysicalDevice) LiveObjects() int {
	p.mu.Lock()
	devices := append([]*cpuDevice(nil), p.devices...)
	p.mu.Unlock()

	total := 0
	for _, d := range devices {
		total += d.liveObjects()
	}
	return total
}

// CreateDevice opens a logical device with the requested queues.
func (p *CPUPhysicalDevice) CreateDevice(info DeviceCreateInfo) (Device, error) {
	if len(info.Queues) == 0 {
		return nil, errors.Wrap(ErrValidation, "no queues requested")
	}
	if p.cfg.Features.Missing(info.Features) {
		return nil, ErrFeatureNotPresent
	}
	seen := make(map[uint32]bool)
	for _, q := range info.Queues {
		if int(q.FamilyIndex) >= len(p.cfg.QueueFamilies) {
			return nil, errors.Wrapf(ErrValidation, "queue family %d does not exist", q.FamilyIndex)
		}
		if seen[q.FamilyIndex] {
			return nil, errors.Wrapf(ErrValidation, "queue family %d requested twice", q.FamilyIndex)
		}
		seen[q.FamilyIndex] = true
		count := len(q.Priorities)
		if count == 0 || count > int(p.cfg.QueueFamilies[q.FamilyIndex].QueueCount) {
			return nil, errors.Wrapf(ErrValidation, "family %d has %d queues, %d requested",
				q.FamilyIndex, p.cfg.QueueFamilies[q.FamilyIndex].QueueCount, count)
		}
		for _, pr := range q.Priorities {
			if pr < 0 || pr > 1 {
				return nil, errors.Wrapf(ErrValidation, "queue priority %v outside [0, 1]", pr)
			}
		}
	}

	d := &cpuDevice{
		pd:        p,
		logger:    p.logger,
		queues:    make(map[[2]uint32]*cpuQueue),
		buffers:   make(map[Buffer]*cpuBuffer),
		memories:  make(map[Memory]*cpuMemory),
		pools:     make(map[CommandPool]uint32),
		fences:    make(map[Fence]*cpuFence),
		heapUsage: make([]uint64, len(p.cfg.MemoryHeaps)),
	}
	for _, q := range info.Queues {
		for i := range q.Priorities {
			key := [2]uint32{q.FamilyIndex, uint32(i)}
			d.queues[key] = &cpuQueue{dev: d, family: q.FamilyIndex, index: uint32(i)}
		}
	}

	p.mu.Lock()
	p.devices = append(p.devices, d)
	p.mu.Unlock()

	p.logger.Debug("logical device created", zap.Int("queue_families", len(info.Queues)))
	return d, nil
}

func (p *CPUPhysicalDevice) nextAllocation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocationCount++
	return p.allocationCount
}

// nextSubmission reports whether accepted work should stall and returns
// the failure injected for this submission, if any.
func (p *CPUPhysicalDevice) nextSubmission() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissionCount++
	return p.stallFences, p.submitFailures[p.submissionCount]
}

// applyFaults flips the faulty bits of allocation ordinal that fall inside
// buf, which holds the bytes read from offset off.
func (p *CPUPhysicalDevice) applyFaults(ordinal int, off uint64, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.faults {
		if f.Allocation == ordinal && f.Offset >= off && f.Offset < off+uint64(len(buf)) {
			buf[f.Offset-off] ^= 1 << (f.Bit % 8)
		}
	}
}

func (p *CPUPhysicalDevice) removeDevice(d *cpuDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, dev := range p.devices {
		if dev == d {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			return
		}
	}
}

type cpuBuffer struct {
	size   uint64
	usage  BufferUsage
	mem    *cpuMemory
	offset uint64
}

type cpuMemory struct {
	ordinal   int
	size      uint64
	typeIndex uint32
	heap      uint32
	store     backing
	mapped    bool
	freed     bool
}

// cpuDevice implements Device. Commands execute on goroutines started by
// queue submission and hold mu while they touch memory.
type cpuDevice struct {
	pd     *CPUPhysicalDevice
	logger *zap.Logger

	mu         sync.Mutex
	nextHandle uint64
	queues     map[[2]uint32]*cpuQueue
	buffers    map[Buffer]*cpuBuffer
	memories   map[Memory]*cpuMemory
	pools      map[CommandPool]uint32
	fences     map[Fence]*cpuFence
	heapUsage  []uint64
	destroyed  bool
	inflight   sync.WaitGroup
}

func (d *cpuDevice) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *cpuDevice) liveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers) + len(d.memories) + len(d.pools) + len(d.fences)
}

func (d *cpuDevice) Queue(family, index uint32) (Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[[2]uint32{family, index}]
	if !ok {
		return nil, errors.Wrapf(ErrValidation, "queue %d of family %d was not requested", index, family)
	}
	return q, nil
}

func (d *cpuDevice) CreateBuffer(info BufferCreateInfo) (Buffer, error) {
	if info.Size == 0 {
		return 0, errors.Wrap(ErrValidation, "buffer size is zero")
	}
	if info.Usage == 0 {
		return 0, errors.Wrap(ErrValidation, "buffer usage is empty")
	}
	if limit := d.pd.cfg.Limits.MaxBufferSize; limit > 0 && info.Size > limit {
		return 0, errors.Wrapf(ErrOutOfDeviceMemory, "buffer size %d exceeds limit %d", info.Size, limit)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := Buffer(d.handle())
	d.buffers[h] = &cpuBuffer{size: info.Size, usage: info.Usage}
	return h, nil
}

func (d *cpuDevice) DestroyBuffer(buf Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, buf)
}

func (d *cpuDevice) BufferMemoryRequirements(buf Buffer) (MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return MemoryRequirements{}, errors.Wrapf(ErrUnknownHandle, "buffer %d", buf)
	}
	return MemoryRequirements{
		Size:      alignUp(b.size, 4),
		Alignment: bufferAlignment,
		TypeBits:  1<<len(d.pd.cfg.MemoryTypes) - 1,
	}, nil
}

func (d *cpuDevice) AllocateMemory(info MemoryAllocateInfo) (Memory, error) {
	cfg := d.pd.cfg
	if info.Size == 0 {
		return 0, errors.Wrap(ErrValidation, "allocation size is zero")
	}
	if int(info.TypeIndex) >= len(cfg.MemoryTypes) {
		return 0, errors.Wrapf(ErrValidation, "memory type %d does not exist", info.TypeIndex)
	}
	if cfg.Limits.MaxMemoryAllocationSize > 0 && info.Size > cfg.Limits.MaxMemoryAllocationSize {
		return 0, errors.Wrapf(ErrOutOfDeviceMemory, "allocation of %s exceeds the per-allocation limit", HumanSize(info.Size))
	}
	mt := cfg.MemoryTypes[info.TypeIndex]

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Limits.MaxMemoryAllocationCount > 0 && len(d.memories) >= int(cfg.Limits.MaxMemoryAllocationCount) {
		return 0, errors.Wrapf(ErrOutOfDeviceMemory, "allocation count limit %d reached", cfg.Limits.MaxMemoryAllocationCount)
	}
	heap := cfg.MemoryHeaps[mt.HeapIndex]
	if d.heapUsage[mt.HeapIndex]+info.Size > heap.Size {
		return 0, errors.Wrapf(ErrOutOfDeviceMemory, "heap %d has %s free, %s requested",
			mt.HeapIndex, HumanSize(heap.Size-d.heapUsage[mt.HeapIndex]), HumanSize(info.Size))
	}

	var store backing
	if mt.PropertyFlags.Contains(MemoryHostVisible) {
		store = newDenseBacking(info.Size)
	} else {
		store = newSparseBacking(info.Size)
	}
	d.heapUsage[mt.HeapIndex] += info.Size
	h := Memory(d.handle())
	d.memories[h] = &cpuMemory{
		ordinal:   d.pd.nextAllocation(),
		size:      info.Size,
		typeIndex: info.TypeIndex,
		heap:      mt.HeapIndex,
		store:     store,
	}
	d.logger.Debug("memory allocated",
		zap.Uint64("handle", uint64(h)),
		zap.Uint64("size", info.Size),
		zap.Uint32("type", info.TypeIndex))
	return h, nil
}

func (d *cpuDevice) FreeMemory(mem Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[mem]
	if !ok {
		return
	}
	d.heapUsage[m.heap] -= m.size
	m.freed = true
	delete(d.memories, mem)
}

func (d *cpuDevice) BindBufferMemory(buf Buffer, mem Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "buffer %d", buf)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	if b.mem != nil {
		return errors.Wrapf(ErrValidation, "buffer %d is already bound", buf)
	}
	if offset%bufferAlignment != 0 {
		return errors.Wrapf(ErrValidation, "offset %d is not aligned to %d", offset, bufferAlignment)
	}
	if offset+b.size > m.size {
		return errors.Wrapf(ErrValidation, "buffer of %d bytes at offset %d exceeds allocation of %d bytes", b.size, offset, m.size)
	}
	b.mem = m
	b.offset = offset
	return nil
}

func (d *cpuDevice) MapMemory(mem Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[mem]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	dense, ok := m.store.(*denseBacking)
	if !ok {
		return nil, errors.Wrapf(ErrValidation, "memory %d is not host visible", mem)
	}
	if m.mapped {
		return nil, errors.Wrapf(ErrValidation, "memory %d is already mapped", mem)
	}
	if size == WholeSize {
		size = m.size - offset
	}
	if offset+size > m.size {
		return nil, errors.Wrapf(ErrValidation, "map range [%d, %d) exceeds allocation of %d bytes", offset, offset+size, m.size)
	}
	m.mapped = true
	return dense.data[offset : offset+size : offset+size], nil
}

func (d *cpuDevice) UnmapMemory(mem Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.memories[mem]; ok {
		m.mapped = false
	}
}

func (d *cpuDevice) CreateCommandPool(family uint32) (CommandPool, error) {
	if int(family) >= len(d.pd.cfg.QueueFamilies) {
		return 0, errors.Wrapf(ErrValidation, "queue family %d does not exist", family)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := CommandPool(d.handle())
	d.pools[h] = family
	return h, nil
}

func (d *cpuDevice) DestroyCommandPool(pool CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pools, pool)
}

func (d *cpuDevice) AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	family, ok := d.pools[pool]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "command pool %d", pool)
	}
	return &cpuCommandBuffer{dev: d, pool: pool, family: family}, nil
}

func (d *cpuDevice) CreateFence() (Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := Fence(d.handle())
	d.fences[h] = newCPUFence()
	return h, nil
}

func (d *cpuDevice) DestroyFence(fence Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, fence)
}

func (d *cpuDevice) ResetFence(fence Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[fence]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "fence %d", fence)
	}
	return f.reset()
}

func (d *cpuDevice) WaitForFence(ctx context.Context, fence Fence, timeout time.Duration) error {
	d.mu.Lock()
	f, ok := d.fences[fence]
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "fence %d", fence)
	}
	return f.wait(ctx, timeout)
}

func (d *cpuDevice) WaitIdle() error {
	d.inflight.Wait()
	return nil
}

func (d *cpuDevice) Destroy() {
	d.inflight.Wait()
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	leaked := len(d.buffers) + len(d.memories) + len(d.pools) + len(d.fences)
	d.mu.Unlock()

	if leaked > 0 {
		d.logger.Warn("logical device destroyed with live objects", zap.Int("objects", leaked))
	}
	d.pd.removeDevice(d)
}

// resolve checks that a buffer range can be used for usage and returns
// the buffer. The caller holds d.mu.
func (d *cpuDevice) resolve(buf Buffer, offset, size uint64, usage BufferUsage) (*cpuBuffer, error) {
	b, ok := d.buffers[buf]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "buffer %d", buf)
	}
	if b.mem == nil {
		return nil, errors.Wrapf(ErrValidation, "buffer %d has no memory bound", buf)
	}
	if !b.usage.Contains(usage) {
		return nil, errors.Wrapf(ErrValidation, "buffer %d usage %s lacks %s", buf, b.usage, usage)
	}
	if offset+size > b.size {
		return nil, errors.Wrapf(ErrValidation, "range [%d, %d) exceeds buffer %d of %d bytes", offset, offset+size, buf, b.size)
	}
	if b.mem.freed {
		return nil, errors.Wrapf(ErrDeviceLost, "memory behind buffer %d was freed", buf)
	}
	return b, nil
}
