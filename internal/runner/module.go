package runner

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/config"
	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/metrics"
	"github.com/fxnlabs/vramtest/internal/session"
)

// Module provides a *Runner built from a supplied *config.Config and
// *zap.Logger, and serves metrics when metrics.listen is set.
var Module = fx.Module("runner",
	fx.Provide(
		NewManager,
		session.NewRegistry,
		New,
	),
	fx.Invoke(ServeMetrics),
)

// NewManager enumerates the configured software devices, injects the
// configured faults and drops the device list when the app stops.
func NewManager(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*gpu.Manager, error) {
	cpuCfg, err := cfg.CPUConfig()
	if err != nil {
		return nil, err
	}
	devices := gpu.NewPhysicalDevices(logger, cfg.Soft.Devices, cpuCfg)
	for _, f := range cfg.Soft.Faults {
		if cpu, ok := devices[f.Device].(*gpu.CPUPhysicalDevice); ok {
			cpu.InjectFault(gpu.Fault{Allocation: f.Allocation, Offset: uint64(f.Offset), Bit: f.Bit})
			logger.Warn("fault injected",
				zap.String("device", cpu.ID()),
				zap.Int("allocation", f.Allocation),
				zap.Uint64("offset", uint64(f.Offset)),
				zap.Uint8("bit", f.Bit))
		}
	}

	m, err := gpu.NewManager(devices, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

// ServeMetrics exposes /metrics on metrics.listen for the lifetime of the
// app. It does nothing when the address is empty.
func ServeMetrics(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	log := logger.Named("metrics")
	srv := &http.Server{
		Handler:           metrics.Handler("/metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
