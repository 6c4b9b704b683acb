package exerciser

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/session"
)

const (
	Kilobyte uint64 = 1024
	Megabyte        = 1024 * Kilobyte
	Gigabyte        = 1024 * Megabyte

	// TierSteps is the number of doubling sizes generated per tier.
	TierSteps = 10
)

// BufferUsage is the usage every tested buffer is created with.
const BufferUsage = gpu.UsageTransferSrc | gpu.UsageTransferDst | gpu.UsageStorage

// Tier is a size class. Its buffers are Unit·2^0 through Unit·2^(TierSteps-1).
type Tier struct {
	Name string
	Unit uint64
}

var (
	TierKB = Tier{Name: "KB", Unit: Kilobyte}
	TierMB = Tier{Name: "MB", Unit: Megabyte}
	TierGB = Tier{Name: "GB", Unit: Gigabyte}
)

// Tiers returns the standard tiers from smallest to largest.
func Tiers() []Tier {
	return []Tier{TierKB, TierMB, TierGB}
}

// ParseTier resolves a tier name such as "kb" or "GB".
func ParseTier(name string) (Tier, error) {
	for _, t := range Tiers() {
		if strings.EqualFold(strings.TrimSpace(name), t.Name) {
			return t, nil
		}
	}
	return Tier{}, errors.Errorf("unknown tier %q", name)
}

// Sizes returns the buffer sizes of the tier in increasing order.
func (t Tier) Sizes() []uint64 {
	sizes := make([]uint64, TierSteps)
	for i := range sizes {
		sizes[i] = t.Unit << uint(i)
	}
	return sizes
}

// Target is one bound buffer handed to the exerciser.
type Target struct {
	Tier       string
	Size       uint64
	Buffer     session.BufferID
	Allocation session.AllocationID
}

// AllocateTier gives every size of tier its own allocation and buffer and
// binds them in one batch at offset 0. On failure it returns the targets
// that were fully set up together with the error; objects created for the
// failing size stay in the pool until it is released.
func AllocateTier(pool *session.Pool, tier Tier, flags gpu.MemoryPropertyFlags) ([]Target, error) {
	var (
		targets []Target
		binds   []session.BindInfo
		failure error
	)
	for _, size := range tier.Sizes() {
		a, err := pool.Allocate(size, flags)
		if err != nil {
			failure = errors.Wrapf(err, "%s tier, %s", tier.Name, gpu.HumanSize(size))
			break
		}
		b, err := pool.CreateBuffer(size, BufferUsage)
		if err != nil {
			failure = errors.Wrapf(err, "%s tier, %s", tier.Name, gpu.HumanSize(size))
			break
		}
		targets = append(targets, Target{Tier: tier.Name, Size: size, Buffer: b, Allocation: a})
		binds = append(binds, session.BindInfo{Buffer: b, Allocation: a})
	}
	if len(binds) > 0 {
		if err := pool.BindAll(binds...); err != nil {
			return nil, errors.Wrapf(err, "%s tier", tier.Name)
		}
	}
	return targets, failure
}
