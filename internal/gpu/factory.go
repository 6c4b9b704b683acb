package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// NewPhysicalDevices enumerates the physical devices available to the
// process. Only the software driver is compiled in, so this returns count
// CPU devices sharing cfg, identified as "cpu-0", "cpu-1", ...
func NewPhysicalDevices(logger *zap.Logger, count int, cfg CPUConfig) []PhysicalDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	devices := make([]PhysicalDevice, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, NewCPUPhysicalDevice(fmt.Sprintf("cpu-%d", i), cfg, logger))
	}
	logger.Info("Using software device backend (compiled without hardware driver support)", zap.Int("devices", count))
	return devices
}
