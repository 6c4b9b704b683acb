package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager holds the physical devices enumerated at startup and hands them
// out by index. It does not own them: logical devices opened on them are
// owned by their sessions.
type Manager struct {
	devices []PhysicalDevice
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a manager over an enumerated device list.
func NewManager(devices []PhysicalDevice, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no physical devices available")
	}

	m := &Manager{
		devices: devices,
		logger:  logger.Named("manager"),
	}
	for i, d := range devices {
		props, err := d.Properties()
		if err != nil {
			m.logger.Warn("failed to query device properties", zap.Int("index", i), zap.Error(err))
			continue
		}
		m.logger.Debug("physical device found",
			zap.Int("index", i),
			zap.String("id", d.ID()),
			zap.String("name", props.Name),
			zap.String("type", props.Type.String()))
	}
	return m, nil
}

// Count returns the number of enumerated devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Devices returns a copy of the device list.
func (m *Manager) Devices() []PhysicalDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PhysicalDevice(nil), m.devices...)
}

// Device returns the device at index.
func (m *Manager) Device(index int) (PhysicalDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", index, len(m.devices))
	}
	return m.devices[index], nil
}

// Cleanup drops the device list. Devices already handed out stay usable by
// their holders.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = nil
	return nil
}
