// Package exerciser writes deterministic patterns into device buffers
// through a transfer queue, reads them back and reports every word that
// did not survive the round trip.
package exerciser

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/metrics"
	"github.com/fxnlabs/vramtest/internal/session"
)

var (
	// CanonicalPatterns are written to every buffer: all zeros, then all ones.
	CanonicalPatterns = []uint32{0x00000000, 0xFFFFFFFF}
	// ExtendedPatterns add alternating bit patterns to the canonical pair.
	ExtendedPatterns = []uint32{0x00000000, 0xFFFFFFFF, 0x55555555, 0xAAAAAAAA}
)

var (
	ErrNoPatterns         = errors.New("no patterns to write")
	ErrQueueLacksTransfer = errors.New("queue family does not support transfer")
	ErrUnboundTarget      = session.ErrUnbound
)

const stagingFlags = gpu.MemoryHostVisible | gpu.MemoryHostCoherent

// Options tune a Run.
type Options struct {
	// ChunkSize bounds the host-visible staging buffer. Larger buffers are
	// read back in several submissions.
	ChunkSize uint64
	// WaitTimeout bounds every fence wait.
	WaitTimeout time.Duration
	// MaxDiscrepancies caps the records stored per pattern result. Zero
	// stores none; the count is kept regardless.
	MaxDiscrepancies int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        16 * Megabyte,
		WaitTimeout:      10 * time.Second,
		MaxDiscrepancies: 64,
	}
}

// Exerciser runs pattern passes against the buffers of one session.
type Exerciser struct {
	session *session.Session
	opts    Options
	logger  *zap.Logger
}

// New creates an exerciser for s.
func New(s *session.Session, opts Options, logger *zap.Logger) *Exerciser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize < 4 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	opts.ChunkSize &^= 3
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultOptions().WaitTimeout
	}
	return &Exerciser{
		session: s,
		opts:    opts,
		logger:  logger.Named("exerciser").With(zap.String("device", s.PhysicalDeviceID())),
	}
}

// pass holds the per-run objects shared by every pattern pass.
type pass struct {
	dev     gpu.Device
	queue   gpu.Queue
	cmd     gpu.CommandBuffer
	fence   gpu.Fence
	staging session.Buffer
	memory  gpu.Memory
}

// Run writes each pattern to each target in order and verifies it.
// Lifecycle misuse is returned as an error before any work is submitted.
// Failures of individual passes are recorded as Inconclusive and the run
// moves on. A cancelled ctx stops the run and returns what was verified so
// far together with ctx.Err().
func (e *Exerciser) Run(ctx context.Context, queue gpu.Queue, targets []Target, patterns []uint32) (run *TestRun, err error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}
	fam, ok := e.session.Profile().QueueFamily(queue.Family())
	if !ok || !fam.Flags.Contains(gpu.QueueTransfer) {
		return nil, errors.Wrapf(ErrQueueLacksTransfer, "family %d", queue.Family())
	}
	pool := e.session.Pool()
	var largest uint64
	for _, t := range targets {
		b, err := pool.Buffer(t.Buffer)
		if err != nil {
			return nil, err
		}
		if b.State != session.BufferBound {
			return nil, errors.Wrapf(ErrUnboundTarget, "%s", t.Buffer)
		}
		if !b.Usage.Contains(gpu.UsageTransferSrc | gpu.UsageTransferDst) {
			return nil, errors.Errorf("%s usage %s cannot be filled and read back", t.Buffer, b.Usage)
		}
		largest = max(largest, b.Size)
	}

	run = &TestRun{Device: e.session.PhysicalDeviceID(), Started: time.Now()}
	defer func() {
		if run != nil {
			run.Finished = time.Now()
		}
	}()
	if len(targets) == 0 {
		return run, nil
	}

	p, release, err := e.setup(queue, min(e.opts.ChunkSize, (largest+3)&^3))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	e.logger.Info("exercising buffers",
		zap.Int("buffers", len(targets)),
		zap.Int("patterns", len(patterns)),
		zap.String("chunk", gpu.HumanSize(p.staging.Size)))

	for _, t := range targets {
		b, err := pool.Buffer(t.Buffer)
		if err != nil {
			return run, err
		}
		br := BufferResult{Target: t}
		for _, pattern := range patterns {
			res := e.exercise(ctx, p, t, b.Handle, pattern)
			if ctxErr := ctx.Err(); ctxErr != nil && res.Status == Inconclusive {
				run.Buffers = append(run.Buffers, br)
				return run, ctxErr
			}
			observe(t, res)
			e.logResult(t, res)
			br.Patterns = append(br.Patterns, res)
		}
		run.Buffers = append(run.Buffers, br)
	}
	return run, nil
}

// setup creates the staging buffer, command buffer and fence. release
// destroys whatever exists at the time it is called.
func (e *Exerciser) setup(queue gpu.Queue, chunk uint64) (*pass, func() error, error) {
	dev, err := e.session.Device()
	if err != nil {
		return nil, nil, err
	}
	pool := e.session.Pool()
	p := &pass{dev: dev, queue: queue}

	var (
		allocID  session.AllocationID
		bufID    session.BufferID
		cmdPool  gpu.CommandPool
		hasFence bool
	)
	release := func() error {
		if hasFence {
			dev.DestroyFence(p.fence)
		}
		if cmdPool != 0 {
			dev.DestroyCommandPool(cmdPool)
		}
		var err error
		if bufID != 0 {
			err = pool.ReleaseBuffer(bufID)
		}
		if allocID != 0 {
			if aerr := pool.ReleaseAllocation(allocID); err == nil {
				err = aerr
			}
		}
		return err
	}
	fail := func(err error) (*pass, func() error, error) {
		_ = release()
		return nil, nil, err
	}

	if allocID, err = pool.Allocate(chunk, stagingFlags); err != nil {
		return fail(errors.Wrap(err, "staging allocation"))
	}
	if bufID, err = pool.CreateBuffer(chunk, gpu.UsageTransferDst); err != nil {
		return fail(errors.Wrap(err, "staging buffer"))
	}
	if err = pool.Bind(bufID, allocID, 0); err != nil {
		return fail(errors.Wrap(err, "staging bind"))
	}
	if p.staging, err = pool.Buffer(bufID); err != nil {
		return fail(err)
	}
	alloc, err := pool.Allocation(allocID)
	if err != nil {
		return fail(err)
	}
	p.memory = alloc.Memory

	if cmdPool, err = dev.CreateCommandPool(queue.Family()); err != nil {
		return fail(errors.Wrap(err, "command pool"))
	}
	if p.cmd, err = dev.AllocateCommandBuffer(cmdPool); err != nil {
		return fail(errors.Wrap(err, "command buffer"))
	}
	if p.fence, err = dev.CreateFence(); err != nil {
		return fail(errors.Wrap(err, "fence"))
	}
	hasFence = true
	return p, release, nil
}

// exercise fills the buffer with pattern once and verifies it chunk by
// chunk. Only the first submission carries the fill.
func (e *Exerciser) exercise(ctx context.Context, p *pass, t Target, buf gpu.Buffer, pattern uint32) PatternResult {
	res := PatternResult{Pattern: pattern, Status: Passed}
	start := time.Now()
	chunk := p.staging.Size
	size := t.Size &^ 3

	for off := uint64(0); off < size; off += chunk {
		n := min(chunk, size-off)
		if err := e.submit(ctx, p, buf, pattern, off, n, off == 0); err != nil {
			return inconclusive(res, err)
		}
		view, err := p.dev.MapMemory(p.memory, 0, n)
		if err != nil {
			return inconclusive(res, errors.Wrap(err, "map staging"))
		}
		e.compare(&res, t, view, off, pattern)
		p.dev.UnmapMemory(p.memory)
		res.Bytes += n
	}
	res.Duration = time.Since(start)
	if res.MismatchedWords > 0 {
		res.Status = Mismatch
	}
	return res
}

func (e *Exerciser) submit(ctx context.Context, p *pass, buf gpu.Buffer, pattern uint32, off, n uint64, fill bool) error {
	if err := p.cmd.Reset(); err != nil {
		return errors.Wrap(err, "reset command buffer")
	}
	if err := p.cmd.Begin(); err != nil {
		return errors.Wrap(err, "begin command buffer")
	}
	if fill {
		p.cmd.FillBuffer(buf, 0, gpu.WholeSize, pattern)
		p.cmd.TransferBarrier()
	}
	p.cmd.CopyBuffer(buf, p.staging.Handle, gpu.BufferCopy{SrcOffset: off, Size: n})
	if err := p.cmd.End(); err != nil {
		return errors.Wrap(err, "record")
	}
	if err := p.queue.Submit(p.cmd, p.fence); err != nil {
		return errors.Wrap(err, "submit")
	}
	if err := p.dev.WaitForFence(ctx, p.fence, e.opts.WaitTimeout); err != nil {
		// A fence with work still pending cannot be reset, so it is replaced.
		e.replaceFence(p)
		return errors.Wrap(err, "wait")
	}
	if err := p.dev.ResetFence(p.fence); err != nil {
		e.replaceFence(p)
		return errors.Wrap(err, "reset fence")
	}
	return nil
}

func (e *Exerciser) replaceFence(p *pass) {
	p.dev.DestroyFence(p.fence)
	f, err := p.dev.CreateFence()
	if err != nil {
		e.logger.Error("failed to replace fence", zap.Error(err))
		return
	}
	p.fence = f
}

func (e *Exerciser) compare(res *PatternResult, t Target, view []byte, base uint64, pattern uint32) {
	for i := 0; i+4 <= len(view); i += 4 {
		got := binary.LittleEndian.Uint32(view[i:])
		if got == pattern {
			continue
		}
		res.MismatchedWords++
		if len(res.Discrepancies) < e.opts.MaxDiscrepancies {
			res.Discrepancies = append(res.Discrepancies, Discrepancy{
				Buffer:     t.Buffer,
				Tier:       t.Tier,
				BufferSize: t.Size,
				Pattern:    pattern,
				Offset:     base + uint64(i),
				Expected:   pattern,
				Observed:   got,
			})
		}
	}
}

// inconclusive records a pass that could not be completed. Mismatches seen
// in chunks verified before the failure still make it a Mismatch.
func inconclusive(res PatternResult, err error) PatternResult {
	res.Err = err
	if res.MismatchedWords > 0 {
		res.Status = Mismatch
		return res
	}
	res.Status = Inconclusive
	return res
}

func observe(t Target, res PatternResult) {
	metrics.PatternResults.WithLabelValues(t.Tier, res.Status.String()).Inc()
	if res.MismatchedWords > 0 {
		metrics.MismatchedWords.WithLabelValues(t.Tier).Add(float64(res.MismatchedWords))
	}
	if res.Status != Inconclusive {
		metrics.PatternPassDuration.WithLabelValues(t.Tier).Observe(float64(res.Duration.Microseconds()) / 1000)
		metrics.BytesVerified.Add(float64(res.Bytes))
	}
}

func (e *Exerciser) logResult(t Target, res PatternResult) {
	fields := []zap.Field{
		zap.Stringer("buffer", t.Buffer),
		zap.String("tier", t.Tier),
		zap.String("size", gpu.HumanSize(t.Size)),
		zap.String("pattern", "0x"+strconv.FormatUint(uint64(res.Pattern), 16)),
		zap.Stringer("status", res.Status),
	}
	switch res.Status {
	case Mismatch:
		e.logger.Warn("pattern mismatch", append(fields, zap.Uint64("mismatched_words", res.MismatchedWords))...)
	case Inconclusive:
		e.logger.Warn("pattern pass inconclusive", append(fields, zap.Error(res.Err))...)
	default:
		e.logger.Debug("pattern verified", append(fields, zap.Duration("duration", res.Duration))...)
	}
}
