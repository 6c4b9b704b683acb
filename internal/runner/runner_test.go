package runner

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/config"
	"github.com/fxnlabs/vramtest/internal/exerciser"
	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/probe"
	"github.com/fxnlabs/vramtest/internal/session"
)

type app struct {
	runner   *Runner
	manager  *gpu.Manager
	registry *session.Registry
}

func newApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Test.Tiers = []string{"KB"}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	var a app
	fxApp := fxtest.New(t,
		fx.Supply(cfg, zap.NewNop()),
		Module,
		fx.Populate(&a.runner, &a.manager, &a.registry),
		fx.NopLogger,
	)
	fxApp.RequireStart()
	t.Cleanup(fxApp.RequireStop)
	return &a
}

func (a *app) device(t *testing.T, index int) *gpu.CPUPhysicalDevice {
	t.Helper()
	pd, err := a.manager.Device(index)
	require.NoError(t, err)
	cpu, ok := pd.(*gpu.CPUPhysicalDevice)
	require.True(t, ok)
	return cpu
}

func TestRunner_Clean(t *testing.T) {
	a := newApp(t, nil)

	rep, err := a.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"cpu-0"}, rep.Devices)
	assert.Equal(t, 10, rep.Total.Buffers)
	assert.Equal(t, 10, rep.Total.Passed)
	assert.True(t, rep.Complete)
	assert.Equal(t, 0, rep.ExitCode())
	require.Len(t, rep.Tiers, 1)
	assert.Equal(t, uint64(2*1023*exerciser.Kilobyte), rep.Tiers[0].BytesVerified)

	assert.Equal(t, 0, a.registry.Len())
	assert.Equal(t, 0, a.device(t, 0).LiveObjects())
}

func TestRunner_InjectedFault(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Soft.Faults = []config.Fault{{Device: 0, Allocation: 4, Offset: 4096, Bit: 3}}
	})

	rep, err := a.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Total.Failed)
	assert.Equal(t, 9, rep.Total.Passed)
	assert.Equal(t, 1, rep.ExitCode())
	require.Len(t, rep.Discrepancies, 2)
	for i, pattern := range exerciser.CanonicalPatterns {
		d := rep.Discrepancies[i]
		assert.Equal(t, "cpu-0", d.Device)
		assert.Equal(t, 8*exerciser.Kilobyte, d.BufferSize)
		assert.Equal(t, uint64(4096), d.Offset)
		assert.Equal(t, pattern, d.Expected)
		assert.Equal(t, pattern^(1<<3), d.Observed)
	}
}

func TestRunner_PartialTier(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Soft.DeviceLocalHeap = 100 * config.ByteSize(exerciser.Kilobyte)
	})

	rep, err := a.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, rep.Total.Buffers)
	assert.Equal(t, 6, rep.Total.Passed)
	assert.Equal(t, 4, rep.Total.Inconclusive, "the failing size and every larger one")
	assert.Equal(t, 2, rep.ExitCode())
	assert.False(t, rep.Complete)
	require.Len(t, rep.Inconclusive, 8)
	assert.Equal(t, 64*exerciser.Kilobyte, rep.Inconclusive[0].Size)
	assert.Equal(t, 512*exerciser.Kilobyte, rep.Inconclusive[7].Size)
	for _, u := range rep.Inconclusive {
		assert.Contains(t, u.Reason, "out of device memory")
	}
	assert.Equal(t, 0, a.device(t, 0).LiveObjects())
}

func TestRunner_TiersAreReleasedInBetween(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Test.Tiers = []string{"KB", "MB"}
		c.Soft.DeviceLocalHeap = 2 * config.ByteSize(exerciser.Megabyte)
	})

	rep, err := a.runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Tiers, 2)
	assert.Equal(t, 10, rep.Tiers[0].Passed)
	assert.Equal(t, "MB", rep.Tiers[1].Tier)
	assert.Equal(t, 1, rep.Tiers[1].Passed, "the KB tier must be freed before MB is allocated")
	assert.Equal(t, 9, rep.Tiers[1].Inconclusive)
}

func TestRunner_DeviceSelection(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Soft.Devices = 2
		c.Device.Index = 1
		c.Test.Patterns = "extended"
	})

	profile, err := a.runner.Probe()
	require.NoError(t, err)
	assert.Equal(t, "cpu-1", profile.DeviceID())

	rep, err := a.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1"}, rep.Devices)
	assert.Equal(t, 10, rep.Total.Passed)
}

func TestRunner_CapabilityErrors(t *testing.T) {
	t.Run("queue family", func(t *testing.T) {
		a := newApp(t, func(c *config.Config) {
			c.Device.QueueFlags = []string{"sparse_binding"}
		})
		_, err := a.runner.Run(context.Background())
		assert.True(t, errors.Is(err, probe.ErrNoSuitableQueueFamily))
		assert.Equal(t, 0, a.registry.Len())
	})

	t.Run("memory type", func(t *testing.T) {
		a := newApp(t, func(c *config.Config) {
			c.Device.MemoryFlags = []string{"lazily_allocated"}
		})
		_, err := a.runner.Run(context.Background())
		assert.True(t, errors.Is(err, probe.ErrNoSuitableMemoryType))
	})
}

func TestRunner_Cancelled(t *testing.T) {
	a := newApp(t, nil)
	a.device(t, 0).StallFences(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := a.runner.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, rep.Complete)
	assert.Equal(t, 0, a.registry.Len())
	a.device(t, 0).StallFences(false)
}

func TestServeMetrics(t *testing.T) {
	newApp(t, func(c *config.Config) {
		c.Metrics.Listen = "127.0.0.1:0"
	})
}

func TestUnallocated(t *testing.T) {
	cause := errors.New("bind failed")

	t.Run("whole tier", func(t *testing.T) {
		out := unallocated(exerciser.TierKB, 0, exerciser.CanonicalPatterns, cause)
		require.Len(t, out, exerciser.TierSteps)
		for i, br := range out {
			assert.Equal(t, exerciser.TierKB.Sizes()[i], br.Target.Size)
			assert.Equal(t, exerciser.Inconclusive, br.Status())
			require.Len(t, br.Patterns, 2)
			assert.Equal(t, cause, br.Patterns[0].Err)
		}
		run := &exerciser.TestRun{Buffers: out}
		assert.False(t, run.Complete())
	})

	t.Run("tail of a tier", func(t *testing.T) {
		out := unallocated(exerciser.TierMB, 7, exerciser.ExtendedPatterns, cause)
		require.Len(t, out, 3)
		assert.Equal(t, 128*exerciser.Megabyte, out[0].Target.Size)
		assert.Len(t, out[2].Patterns, 4)
	})

	t.Run("nothing left", func(t *testing.T) {
		assert.Empty(t, unallocated(exerciser.TierGB, exerciser.TierSteps, exerciser.CanonicalPatterns, cause))
	})
}
