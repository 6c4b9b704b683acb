package session

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/metrics"
	"github.com/fxnlabs/vramtest/internal/probe"
)

// AllocationID identifies an allocation within its pool. Zero is never valid.
type AllocationID int

func (id AllocationID) String() string { return fmt.Sprintf("allocation#%d", int(id)) }

// BufferID identifies a buffer within its pool. Zero is never valid.
type BufferID int

func (id BufferID) String() string { return fmt.Sprintf("buffer#%d", int(id)) }

// BufferState is the binding state of a buffer.
type BufferState int

const (
	BufferUnbound BufferState = iota
	BufferBound
	BufferReleased
)

func (s BufferState) String() string {
	switch s {
	case BufferBound:
		return "bound"
	case BufferReleased:
		return "released"
	default:
		return "unbound"
	}
}

// Allocation is a snapshot of one device memory allocation.
type Allocation struct {
	ID        AllocationID
	Memory    gpu.Memory
	Size      uint64
	TypeIndex uint32
	Flags     gpu.MemoryPropertyFlags
	Bound     int
	Released  bool
}

// Buffer is a snapshot of one buffer object.
type Buffer struct {
	ID         BufferID
	Handle     gpu.Buffer
	Size       uint64
	Usage      gpu.BufferUsage
	State      BufferState
	Allocation AllocationID
	Offset     uint64
}

// BindInfo is one entry of a batched BindAll.
type BindInfo struct {
	Buffer     BufferID
	Allocation AllocationID
	Offset     uint64
}

// Pool tracks every allocation and buffer created against a session. Ids
// index into the pool's arenas and are never reused.
type Pool struct {
	device  gpu.Device
	profile *probe.Profile
	logger  *zap.Logger

	mu          sync.Mutex
	closed      bool
	allocations []*Allocation
	buffers     []*Buffer
}

func newPool(s *Session) *Pool {
	return &Pool{
		device:  s.device,
		profile: s.profile,
		logger:  s.logger.Named("pool"),
	}
}

func (p *Pool) allocation(id AllocationID) (*Allocation, error) {
	if id <= 0 || int(id) > len(p.allocations) || p.allocations[id-1].Released {
		return nil, ErrInvalidHandle
	}
	return p.allocations[id-1], nil
}

func (p *Pool) buffer(id BufferID) (*Buffer, error) {
	if id <= 0 || int(id) > len(p.buffers) || p.buffers[id-1].State == BufferReleased {
		return nil, ErrInvalidHandle
	}
	return p.buffers[id-1], nil
}

func record(op string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PoolOperations.WithLabelValues(op, outcome).Inc()
	return err
}

// Allocate reserves size bytes from the first memory type whose property
// flags contain flags.
func (p *Pool) Allocate(size uint64, flags gpu.MemoryPropertyFlags) (AllocationID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, record("allocate", opError("allocate", "", ErrSessionClosed))
	}
	typeIndex, ok := p.profile.FindMemoryType(flags)
	if !ok {
		return 0, record("allocate", opError("allocate", "", errors.Wrapf(ErrNoSuitableMemoryType, "flags %s", flags)))
	}
	mem, err := p.device.AllocateMemory(gpu.MemoryAllocateInfo{Size: size, TypeIndex: typeIndex})
	if err != nil {
		return 0, record("allocate", opError("allocate", gpu.HumanSize(size), err))
	}

	a := &Allocation{
		ID:        AllocationID(len(p.allocations) + 1),
		Memory:    mem,
		Size:      size,
		TypeIndex: typeIndex,
		Flags:     flags,
	}
	p.allocations = append(p.allocations, a)
	metrics.PoolAllocatedBytes.Add(float64(size))
	p.logger.Debug("memory allocated",
		zap.Stringer("id", a.ID),
		zap.String("size", gpu.HumanSize(size)),
		zap.Uint32("memory_type", typeIndex))
	return a.ID, record("allocate", nil)
}

// CreateBuffer creates an unbound buffer.
func (p *Pool) CreateBuffer(size uint64, usage gpu.BufferUsage) (BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, record("create_buffer", opError("create buffer", "", ErrSessionClosed))
	}
	h, err := p.device.CreateBuffer(gpu.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		return 0, record("create_buffer", opError("create buffer", gpu.HumanSize(size), fmt.Errorf("%w: %w", ErrBufferCreationFailed, err)))
	}
	b := &Buffer{
		ID:     BufferID(len(p.buffers) + 1),
		Handle: h,
		Size:   size,
		Usage:  usage,
	}
	p.buffers = append(p.buffers, b)
	return b.ID, record("create_buffer", nil)
}

// Bind attaches buffer to allocation at offset. A buffer can be bound once;
// a second attempt fails with ErrAlreadyBound and leaves the first binding
// untouched.
func (p *Pool) Bind(buffer BufferID, allocation AllocationID, offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, a, err := p.checkBind(BindInfo{Buffer: buffer, Allocation: allocation, Offset: offset})
	if err != nil {
		return record("bind", err)
	}
	return record("bind", p.bind(b, a, offset))
}

// BindAll validates every binding before performing any of them. A driver
// failure part way through leaves earlier bindings in place.
func (p *Pool) BindAll(binds ...BindInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	type resolved struct {
		b *Buffer
		a *Allocation
	}
	plan := make([]resolved, len(binds))
	seen := make(map[BufferID]bool, len(binds))
	for i, bi := range binds {
		b, a, err := p.checkBind(bi)
		if err != nil {
			return record("bind", err)
		}
		if seen[bi.Buffer] {
			return record("bind", opError("bind", bi.Buffer.String(), errors.Wrap(ErrAlreadyBound, "bound twice in one batch")))
		}
		seen[bi.Buffer] = true
		plan[i] = resolved{b, a}
	}
	for i, r := range plan {
		if err := p.bind(r.b, r.a, binds[i].Offset); err != nil {
			return record("bind", err)
		}
	}
	return record("bind", nil)
}

// checkBind validates a binding without touching the device. The caller
// holds p.mu.
func (p *Pool) checkBind(bi BindInfo) (*Buffer, *Allocation, error) {
	handle := bi.Buffer.String()
	if p.closed {
		return nil, nil, opError("bind", handle, ErrSessionClosed)
	}
	b, err := p.buffer(bi.Buffer)
	if err != nil {
		return nil, nil, opError("bind", handle, err)
	}
	a, err := p.allocation(bi.Allocation)
	if err != nil {
		return nil, nil, opError("bind", bi.Allocation.String(), err)
	}
	if b.State == BufferBound {
		return nil, nil, opError("bind", handle, errors.Wrapf(ErrAlreadyBound, "to %s", b.Allocation))
	}
	req, err := p.device.BufferMemoryRequirements(b.Handle)
	if err != nil {
		return nil, nil, opError("bind", handle, err)
	}
	if req.Alignment > 0 && bi.Offset%req.Alignment != 0 {
		return nil, nil, opError("bind", handle, errors.Wrapf(ErrMisalignedOffset, "offset %d, alignment %d", bi.Offset, req.Alignment))
	}
	if a.TypeIndex < 32 && req.TypeBits&(1<<a.TypeIndex) == 0 {
		return nil, nil, opError("bind", handle, errors.Wrapf(ErrNoSuitableMemoryType, "memory type %d not allowed", a.TypeIndex))
	}
	if bi.Offset > a.Size || req.Size > a.Size-bi.Offset {
		return nil, nil, opError("bind", handle, errors.Wrapf(ErrInsufficientAllocationSize,
			"%s at offset %d into %s of %s", gpu.HumanSize(req.Size), bi.Offset, a.ID, gpu.HumanSize(a.Size)))
	}
	return b, a, nil
}

func (p *Pool) bind(b *Buffer, a *Allocation, offset uint64) error {
	if err := p.device.BindBufferMemory(b.Handle, a.Memory, offset); err != nil {
		return opError("bind", b.ID.String(), err)
	}
	b.State = BufferBound
	b.Allocation = a.ID
	b.Offset = offset
	a.Bound++
	return nil
}

// ReleaseBuffer destroys a buffer and detaches it from its allocation.
func (p *Pool) ReleaseBuffer(id BufferID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return record("release_buffer", p.releaseBuffer(id))
}

func (p *Pool) releaseBuffer(id BufferID) error {
	if p.closed {
		return opError("release buffer", id.String(), ErrSessionClosed)
	}
	b, err := p.buffer(id)
	if err != nil {
		return opError("release buffer", id.String(), err)
	}
	p.device.DestroyBuffer(b.Handle)
	if b.State == BufferBound {
		p.allocations[b.Allocation-1].Bound--
	}
	b.State = BufferReleased
	return nil
}

// ReleaseAllocation frees an allocation. It fails with ErrAllocationInUse
// while any buffer is bound to it.
func (p *Pool) ReleaseAllocation(id AllocationID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return record("release_allocation", p.releaseAllocation(id))
}

func (p *Pool) releaseAllocation(id AllocationID) error {
	if p.closed {
		return opError("release allocation", id.String(), ErrSessionClosed)
	}
	a, err := p.allocation(id)
	if err != nil {
		return opError("release allocation", id.String(), err)
	}
	if a.Bound > 0 {
		return opError("release allocation", id.String(), errors.Wrapf(ErrAllocationInUse, "%d buffers bound", a.Bound))
	}
	p.device.FreeMemory(a.Memory)
	a.Released = true
	metrics.PoolAllocatedBytes.Sub(float64(a.Size))
	return nil
}

// ReleaseAll releases every live buffer and then every live allocation.
func (p *Pool) ReleaseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, b := range p.buffers {
		if b.State != BufferReleased {
			err = multierr.Append(err, p.releaseBuffer(b.ID))
		}
	}
	for _, a := range p.allocations {
		if !a.Released {
			err = multierr.Append(err, p.releaseAllocation(a.ID))
		}
	}
	return record("release_all", err)
}

// Buffer returns a snapshot of buffer id.
func (p *Pool) Buffer(id BufferID) (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.buffer(id)
	if err != nil {
		return Buffer{}, opError("buffer", id.String(), err)
	}
	return *b, nil
}

// Allocation returns a snapshot of allocation id.
func (p *Pool) Allocation(id AllocationID) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.allocation(id)
	if err != nil {
		return Allocation{}, opError("allocation", id.String(), err)
	}
	return *a, nil
}

// Outstanding returns the number of live buffers and allocations.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding()
}

func (p *Pool) outstanding() int {
	n := 0
	for _, b := range p.buffers {
		if b.State != BufferReleased {
			n++
		}
	}
	for _, a := range p.allocations {
		if !a.Released {
			n++
		}
	}
	return n
}

// close marks the pool unusable unless objects are still outstanding, in
// which case it returns their count.
func (p *Pool) close() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.outstanding(); n > 0 {
		return n
	}
	p.closed = true
	return 0
}
