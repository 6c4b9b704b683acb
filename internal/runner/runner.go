// Package runner drives a complete memory test: probe the selected
// device, open a session, allocate and exercise each tier, summarize.
package runner

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/config"
	"github.com/fxnlabs/vramtest/internal/exerciser"
	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/probe"
	"github.com/fxnlabs/vramtest/internal/report"
	"github.com/fxnlabs/vramtest/internal/session"
)

// Runner ties the configured device selection to the test pipeline.
type Runner struct {
	cfg      *config.Config
	manager  *gpu.Manager
	registry *session.Registry
	logger   *zap.Logger
}

func New(cfg *config.Config, manager *gpu.Manager, registry *session.Registry, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		logger:   logger.Named("runner"),
	}
}

// Probe returns the capability profile of the configured device.
func (r *Runner) Probe() (*probe.Profile, error) {
	pd, err := r.manager.Device(r.cfg.Device.Index)
	if err != nil {
		return nil, err
	}
	return probe.Probe(pd)
}

// Run tests every configured tier on the configured device. Tiers are
// exercised and released one at a time so each starts with the whole heap.
// A tier that cannot be fully allocated is tested as far as it got and the
// sizes left over are reported as inconclusive.
func (r *Runner) Run(ctx context.Context) (report.Report, error) {
	queueFlags, err := r.cfg.QueueFlags()
	if err != nil {
		return report.Report{}, err
	}
	memFlags, err := r.cfg.MemoryFlags()
	if err != nil {
		return report.Report{}, err
	}
	tiers, err := r.cfg.Tiers()
	if err != nil {
		return report.Report{}, err
	}
	patterns, err := r.cfg.Patterns()
	if err != nil {
		return report.Report{}, err
	}

	pd, err := r.manager.Device(r.cfg.Device.Index)
	if err != nil {
		return report.Report{}, err
	}
	profile, err := probe.Probe(pd)
	if err != nil {
		return report.Report{}, err
	}
	family, ok := profile.FindQueueFamily(queueFlags)
	if !ok {
		return report.Report{}, errors.Wrapf(probe.ErrNoSuitableQueueFamily, "device %s has no family with %s", pd.ID(), queueFlags)
	}
	if _, ok := profile.FindMemoryType(memFlags); !ok {
		return report.Report{}, errors.Wrapf(probe.ErrNoSuitableMemoryType, "device %s has no memory type with %s", pd.ID(), memFlags)
	}

	log := r.logger.With(zap.String("device", pd.ID()))
	log.Info("starting memory test",
		zap.String("name", profile.Properties().Name),
		zap.Uint32("queue_family", family),
		zap.String("memory", memFlags.String()),
		zap.Strings("tiers", r.cfg.Test.Tiers),
		zap.Int("patterns", len(patterns)))

	priorities := make([]float32, r.cfg.Device.QueueCount)
	for i := range priorities {
		priorities[i] = r.cfg.Device.QueuePriority
	}

	var runs []*exerciser.TestRun
	err = r.registry.WithSession(pd, profile, family, r.cfg.Device.QueueCount, func(s *session.Session) error {
		queue, err := s.Queue(0)
		if err != nil {
			return err
		}
		ex := exerciser.New(s, r.cfg.ExerciserOptions(), r.logger)
		for _, tier := range tiers {
			run, err := r.runTier(ctx, s, ex, queue, tier, memFlags, patterns)
			if run != nil {
				runs = append(runs, run)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, session.WithQueuePriorities(priorities...))

	rep := report.Summarize(runs...)
	if err != nil {
		return rep, err
	}
	log.Info("memory test finished",
		zap.String("result", rep.Verdict()),
		zap.Int("buffers", rep.Total.Buffers),
		zap.Int("failed", rep.Total.Failed),
		zap.Int("inconclusive", rep.Total.Inconclusive))
	return rep, nil
}

func (r *Runner) runTier(ctx context.Context, s *session.Session, ex *exerciser.Exerciser, queue gpu.Queue, tier exerciser.Tier, memFlags gpu.MemoryPropertyFlags, patterns []uint32) (*exerciser.TestRun, error) {
	pool := s.Pool()
	defer func() {
		if err := pool.ReleaseAll(); err != nil {
			r.logger.Error("failed to release tier resources", zap.String("tier", tier.Name), zap.Error(err))
		}
	}()

	targets, allocErr := exerciser.AllocateTier(pool, tier, memFlags)
	if errors.Is(allocErr, session.ErrNoSuitableMemoryType) {
		return nil, allocErr
	}
	if allocErr != nil {
		r.logger.Warn("tier only partially allocated",
			zap.String("tier", tier.Name),
			zap.Int("allocated", len(targets)),
			zap.Error(allocErr))
	}

	run, err := ex.Run(ctx, queue, targets, patterns)
	if err != nil {
		return run, err
	}
	if allocErr != nil {
		run.Buffers = append(run.Buffers, unallocated(tier, len(targets), patterns, allocErr)...)
	}
	return run, nil
}

// unallocated reports every size of tier from index first on as
// inconclusive: the size that could not be allocated and every larger one
// that was never attempted. The results carry no buffer id.
func unallocated(tier exerciser.Tier, first int, patterns []uint32, cause error) []exerciser.BufferResult {
	sizes := tier.Sizes()
	if first >= len(sizes) {
		return nil
	}
	out := make([]exerciser.BufferResult, 0, len(sizes)-first)
	for _, size := range sizes[first:] {
		br := exerciser.BufferResult{Target: exerciser.Target{Tier: tier.Name, Size: size}}
		for _, p := range patterns {
			br.Patterns = append(br.Patterns, exerciser.PatternResult{
				Pattern: p,
				Status:  exerciser.Inconclusive,
				Err:     cause,
			})
		}
		out = append(out, br)
	}
	return out
}
