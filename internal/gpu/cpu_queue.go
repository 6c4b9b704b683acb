package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// copyChunk bounds the temporary buffer used while executing a copy.
const copyChunk = 4 << 20

type cpuCommandKind int

const (
	cmdFill cpuCommandKind = iota
	cmdBarrier
	cmdCopy
)

type cpuCommand struct {
	kind    cpuCommandKind
	dst     Buffer
	src     Buffer
	offset  uint64
	size    uint64
	data    uint32
	regions []BufferCopy
}

type cpuCommandBuffer struct {
	dev    *cpuDevice
	pool   CommandPool
	family uint32

	recording bool
	ended     bool
	err       error
	cmds      []cpuCommand
}

func (c *cpuCommandBuffer) Begin() error {
	if c.recording {
		return errors.Wrap(ErrValidation, "command buffer is already recording")
	}
	c.recording = true
	c.ended = false
	c.cmds = c.cmds[:0]
	return nil
}

func (c *cpuCommandBuffer) record(cmd cpuCommand) {
	if !c.recording {
		if c.err == nil {
			c.err = errors.Wrap(ErrValidation, "command recorded outside Begin/End")
		}
		return
	}
	c.cmds = append(c.cmds, cmd)
}

func (c *cpuCommandBuffer) FillBuffer(dst Buffer, offset, size uint64, data uint32) {
	c.record(cpuCommand{kind: cmdFill, dst: dst, offset: offset, size: size, data: data})
}

func (c *cpuCommandBuffer) TransferBarrier() {
	c.record(cpuCommand{kind: cmdBarrier})
}

func (c *cpuCommandBuffer) CopyBuffer(src, dst Buffer, regions ...BufferCopy) {
	c.record(cpuCommand{kind: cmdCopy, src: src, dst: dst, regions: append([]BufferCopy(nil), regions...)})
}

// End validates every recorded command against the current device state.
// A command recorded outside Begin fails every End until Reset.
func (c *cpuCommandBuffer) End() error {
	if !c.recording {
		return errors.Wrap(ErrValidation, "command buffer is not recording")
	}
	c.recording = false
	if c.err != nil {
		return c.err
	}
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	for i := range c.cmds {
		if err := c.dev.validate(&c.cmds[i]); err != nil {
			c.err = err
			return err
		}
	}
	c.ended = true
	return nil
}

func (c *cpuCommandBuffer) Reset() error {
	c.recording = false
	c.ended = false
	c.err = nil
	c.cmds = c.cmds[:0]
	return nil
}

// validate checks a command and resolves WholeSize fills. The caller
// holds d.mu.
func (d *cpuDevice) validate(cmd *cpuCommand) error {
	switch cmd.kind {
	case cmdFill:
		b, ok := d.buffers[cmd.dst]
		if !ok {
			return errors.Wrapf(ErrUnknownHandle, "buffer %d", cmd.dst)
		}
		if cmd.offset%4 != 0 {
			return errors.Wrapf(ErrValidation, "fill offset %d is not a multiple of 4", cmd.offset)
		}
		if cmd.size == WholeSize {
			if cmd.offset > b.size {
				return errors.Wrapf(ErrValidation, "fill offset %d exceeds buffer of %d bytes", cmd.offset, b.size)
			}
			cmd.size = (b.size - cmd.offset) &^ 3
		} else if cmd.size%4 != 0 {
			return errors.Wrapf(ErrValidation, "fill size %d is not a multiple of 4", cmd.size)
		}
		_, err := d.resolve(cmd.dst, cmd.offset, cmd.size, UsageTransferDst)
		return err
	case cmdCopy:
		for _, r := range cmd.regions {
			if _, err := d.resolve(cmd.src, r.SrcOffset, r.Size, UsageTransferSrc); err != nil {
				return err
			}
			if _, err := d.resolve(cmd.dst, r.DstOffset, r.Size, UsageTransferDst); err != nil {
				return err
			}
		}
	}
	return nil
}

// execute runs commands in order. Objects destroyed between submission and
// execution surface as ErrDeviceLost, as a real driver would.
func (d *cpuDevice) execute(cmds []cpuCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cmd := range cmds {
		switch cmd.kind {
		case cmdFill:
			b, err := d.resolve(cmd.dst, cmd.offset, cmd.size, UsageTransferDst)
			if err != nil {
				return errors.Wrap(ErrDeviceLost, err.Error())
			}
			b.mem.store.fill(b.offset+cmd.offset, cmd.size, cmd.data)
		case cmdCopy:
			for _, r := range cmd.regions {
				src, err := d.resolve(cmd.src, r.SrcOffset, r.Size, UsageTransferSrc)
				if err != nil {
					return errors.Wrap(ErrDeviceLost, err.Error())
				}
				dst, err := d.resolve(cmd.dst, r.DstOffset, r.Size, UsageTransferDst)
				if err != nil {
					return errors.Wrap(ErrDeviceLost, err.Error())
				}
				d.copyRegion(src, dst, r)
			}
		}
	}
	return nil
}

func (d *cpuDevice) copyRegion(src, dst *cpuBuffer, r BufferCopy) {
	tmp := make([]byte, min(r.Size, copyChunk))
	for done := uint64(0); done < r.Size; {
		n := min(r.Size-done, uint64(len(tmp)))
		srcOff := src.offset + r.SrcOffset + done
		src.mem.store.read(tmp[:n], srcOff)
		d.pd.applyFaults(src.mem.ordinal, srcOff, tmp[:n])
		dst.mem.store.write(tmp[:n], dst.offset+r.DstOffset+done)
		done += n
	}
}

type cpuQueue struct {
	dev    *cpuDevice
	family uint32
	index  uint32
}

func (q *cpuQueue) Family() uint32 { return q.family }
func (q *cpuQueue) Index() uint32  { return q.index }

// Submit hands the command buffer to a goroutine that executes it and
// signals the fence.
func (q *cpuQueue) Submit(cmd CommandBuffer, fence Fence) error {
	cb, ok := cmd.(*cpuCommandBuffer)
	if !ok || cb.dev != q.dev {
		return errors.Wrap(ErrValidation, "command buffer was not allocated from this device")
	}
	if !cb.ended {
		return errors.Wrap(ErrValidation, "command buffer is not in the executable state")
	}
	if cb.family != q.family {
		return errors.Wrapf(ErrValidation, "command buffer of family %d submitted to family %d", cb.family, q.family)
	}

	q.dev.mu.Lock()
	if q.dev.destroyed {
		q.dev.mu.Unlock()
		return ErrDeviceLost
	}
	f, ok := q.dev.fences[fence]
	if !ok {
		q.dev.mu.Unlock()
		return errors.Wrapf(ErrUnknownHandle, "fence %d", fence)
	}
	if err := f.arm(); err != nil {
		q.dev.mu.Unlock()
		return err
	}
	q.dev.mu.Unlock()

	stall, injected := q.dev.pd.nextSubmission()
	if injected != nil {
		f.disarm()
		return injected
	}
	if stall {
		q.dev.logger.Debug("submission stalled", zap.Uint32("family", q.family), zap.Uint32("queue", q.index))
		return nil
	}

	cmds := append([]cpuCommand(nil), cb.cmds...)
	q.dev.inflight.Add(1)
	go func() {
		defer q.dev.inflight.Done()
		f.signal(q.dev.execute(cmds))
	}()
	return nil
}

// cpuFence is a one-shot completion signal that can be reset.
type cpuFence struct {
	mu      sync.Mutex
	pending bool
	done    chan struct{}
	err     error
}

func newCPUFence() *cpuFence {
	return &cpuFence{done: make(chan struct{})}
}

func (f *cpuFence) arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return errors.Wrap(ErrValidation, "fence is already in use by a pending submission")
	}
	select {
	case <-f.done:
		return errors.Wrap(ErrValidation, "fence is signaled and must be reset before reuse")
	default:
	}
	f.pending = true
	return nil
}

func (f *cpuFence) disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
}

func (f *cpuFence) signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.pending = false
	close(f.done)
}

func (f *cpuFence) reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return errors.Wrap(ErrValidation, "cannot reset a fence with pending work")
	}
	select {
	case <-f.done:
		f.done = make(chan struct{})
		f.err = nil
	default:
	}
	return nil
}

func (f *cpuFence) wait(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
