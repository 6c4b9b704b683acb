// Package session owns logical devices opened on a physical device and the
// resources created against them.
package session

import (
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/metrics"
	"github.com/fxnlabs/vramtest/internal/probe"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// Registry guarantees at most one live session per physical device.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: cmap.New[*Session](),
		logger:   logger.Named("session"),
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Count()
}

type options struct {
	priorities []float32
	features   gpu.Features
}

// Option configures Open.
type Option func(*options)

// WithQueuePriorities sets per-queue priorities. Missing entries default
// to 1.0.
func WithQueuePriorities(p ...float32) Option {
	return func(o *options) {
		o.priorities = append([]float32(nil), p...)
	}
}

// WithFeatures requests optional device features.
func WithFeatures(f gpu.Features) Option {
	return func(o *options) {
		o.features = f
	}
}

// Open creates a logical device on pd exposing count queues of family. If
// profile is nil pd is probed first.
func (r *Registry) Open(pd gpu.PhysicalDevice, profile *probe.Profile, family, count uint32, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if profile == nil {
		p, err := probe.Probe(pd)
		if err != nil {
			return nil, err
		}
		profile = p
	}
	if profile.DeviceID() != pd.ID() {
		return nil, errors.Errorf("profile of device %s used to open device %s", profile.DeviceID(), pd.ID())
	}
	fam, ok := profile.QueueFamily(family)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidQueueFamily, "family %d does not exist on %s", family, pd.ID())
	}
	if count == 0 || count > fam.QueueCount {
		return nil, errors.Wrapf(ErrInvalidQueueFamily, "family %d has %d queues, %d requested", family, fam.QueueCount, count)
	}

	s := &Session{
		registry: r,
		pd:       pd,
		profile:  profile,
		family:   family,
		logger:   r.logger.With(zap.String("device", pd.ID())),
	}
	if !r.sessions.SetIfAbsent(pd.ID(), s) {
		return nil, errors.Wrapf(ErrAlreadyOpen, "device %s", pd.ID())
	}

	priorities := make([]float32, count)
	for i := range priorities {
		priorities[i] = 1.0
		if i < len(o.priorities) {
			priorities[i] = o.priorities[i]
		}
	}
	dev, err := pd.CreateDevice(gpu.DeviceCreateInfo{
		Queues:   []gpu.QueueCreateInfo{{FamilyIndex: family, Priorities: priorities}},
		Features: o.features,
	})
	if err != nil {
		r.sessions.Remove(pd.ID())
		return nil, fmt.Errorf("%w: device %s: %w", ErrDeviceCreationFailed, pd.ID(), err)
	}

	queues := make([]gpu.Queue, count)
	for i := range queues {
		q, err := dev.Queue(family, uint32(i))
		if err != nil {
			dev.Destroy()
			r.sessions.Remove(pd.ID())
			return nil, fmt.Errorf("%w: queue %d: %w", ErrDeviceCreationFailed, i, err)
		}
		queues[i] = q
	}

	s.device = dev
	s.queues = queues
	s.pool = newPool(s)
	s.state = StateOpen
	metrics.SessionsOpen.Inc()
	s.logger.Info("session opened",
		zap.Uint32("queue_family", family),
		zap.Uint32("queues", count),
		zap.String("flags", fam.Flags.String()))
	return s, nil
}

// WithSession opens a session, runs fn and then releases every pool object
// and closes the session, whether fn returns an error or panics.
func (r *Registry) WithSession(pd gpu.PhysicalDevice, profile *probe.Profile, family, count uint32, fn func(*Session) error, opts ...Option) (err error) {
	s, err := r.Open(pd, profile, family, count, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.pool.ReleaseAll(), s.Close())
	}()
	return fn(s)
}

// Session owns one logical device and its resource pool.
type Session struct {
	registry *Registry
	pd       gpu.PhysicalDevice
	profile  *probe.Profile
	family   uint32
	logger   *zap.Logger

	mu     sync.Mutex
	state  State
	device gpu.Device
	queues []gpu.Queue
	pool   *Pool
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the capability profile the session was opened with.
func (s *Session) Profile() *probe.Profile {
	return s.profile
}

// QueueFamily returns the family all queues of the session belong to.
func (s *Session) QueueFamily() uint32 {
	return s.family
}

// PhysicalDeviceID returns the id of the borrowed physical device.
func (s *Session) PhysicalDeviceID() string {
	return s.pd.ID()
}

// Device returns the logical device.
func (s *Session) Device() (gpu.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, ErrSessionClosed
	}
	return s.device, nil
}

// Pool returns the resource pool owned by the session.
func (s *Session) Pool() *Pool {
	return s.pool
}

// Queue returns queue i of the session's family.
func (s *Session) Queue(i int) (gpu.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, ErrSessionClosed
	}
	if i < 0 || i >= len(s.queues) {
		return nil, errors.Wrapf(ErrInvalidQueueFamily, "queue %d of %d", i, len(s.queues))
	}
	return s.queues[i], nil
}

// Close waits for the device to go idle, destroys it and frees the
// physical device for another session. Closing a session whose pool still
// holds buffers or allocations is a programming error and panics.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	if n := s.pool.close(); n > 0 {
		panic(fmt.Sprintf("session %s closed with %d outstanding pool objects", s.pd.ID(), n))
	}

	var err error
	if idleErr := s.device.WaitIdle(); idleErr != nil {
		err = errors.Wrap(idleErr, "wait idle")
	}
	s.device.Destroy()
	s.device = nil
	s.queues = nil
	s.state = StateClosed
	s.registry.sessions.Remove(s.pd.ID())
	metrics.SessionsOpen.Dec()
	s.logger.Info("session closed")
	return err
}
