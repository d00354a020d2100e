// Package integration owns the lifecycle of configured devices: setting an
// entry up, forwarding it to the platforms, retrying devices that are not
// ready yet, and tearing everything down on unload or reload.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/ha"
	"iquasoftener/internal/iqua"
	"iquasoftener/internal/metrics"
	"iquasoftener/pkg/platform"

	"go.uber.org/zap"
)

// Manufacturer is recorded in the device info of every entry
const Manufacturer = "IQua"

const (
	initialRetryDelay = 10 * time.Second
	maxRetryDelay     = 5 * time.Minute
)

var (
	// ErrAlreadyLoaded is returned when setting up an entry twice
	ErrAlreadyLoaded = errors.New("entry already set up")
	// ErrNotLoaded is returned for entries without a running instance
	ErrNotLoaded = errors.New("entry not set up")
	// ErrShutdown is returned once the manager has shut down
	ErrShutdown = errors.New("manager shut down")
)

// Options configures a Manager
type Options struct {
	Store    *config.Store
	Factory  iqua.Factory
	Registry *platform.Registry
	HAClient ha.HAClient
	Clock    clock.Clock
	Logger   *zap.Logger
	ReadOnly bool
	Metrics  *metrics.Metrics
}

// Instance is one running device
type Instance struct {
	Entry       config.Entry
	Device      platform.DeviceInfo
	Coordinator *coordinator.Coordinator

	platforms  []platform.Platform
	refreshSub ha.Subscription
}

type retry struct {
	timer    clock.Timer
	delay    time.Duration
	attempts int
}

// Manager sets up and unloads entries
type Manager struct {
	store    *config.Store
	factory  iqua.Factory
	registry *platform.Registry
	client   ha.HAClient
	clock    clock.Clock
	logger   *zap.Logger
	readOnly bool
	metrics  *metrics.Metrics

	// lifecycleMu serializes setup, unload and reload
	lifecycleMu sync.Mutex

	mu        sync.RWMutex
	instances map[string]*Instance
	retries   map[string]*retry
	closed    bool
	hooked    bool
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	registry := opts.Registry
	if registry == nil {
		registry = platform.Default()
	}

	return &Manager{
		store:     opts.Store,
		factory:   opts.Factory,
		registry:  registry,
		client:    opts.HAClient,
		clock:     clk,
		logger:    opts.Logger.Named("integration"),
		readOnly:  opts.ReadOnly,
		metrics:   opts.Metrics,
		instances: make(map[string]*Instance),
		retries:   make(map[string]*retry),
	}
}

// RefreshButtonEntityID returns the input_button that triggers an immediate
// refresh of the entry with uniqueID
func RefreshButtonEntityID(uniqueID string) string {
	return fmt.Sprintf("input_button.%s_refresh", strings.ToLower(uniqueID))
}

// Start reloads entries whose options change and sets up every stored entry.
// Entries that are not ready are retried in the background.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if !m.hooked {
		m.hooked = true
		m.store.OnUpdate(func(entry config.Entry) {
			if err := m.ReloadEntry(context.Background(), entry.ID); err != nil {
				m.logger.Warn("Reload after options update failed",
					zap.String("entry_id", entry.ID),
					zap.Error(err))
			}
		})
	}
	m.mu.Unlock()

	for _, entry := range m.store.Entries() {
		if err := m.SetupEntry(ctx, entry); err != nil {
			m.logger.Warn("Entry setup failed",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
		}
	}
}

// SetupEntry performs the first refresh, records the device, forwards the
// entry to all platforms and starts polling. A device that is not ready is
// retried with exponential backoff and the not-ready error is returned.
func (m *Manager) SetupEntry(ctx context.Context, entry config.Entry) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.setupLocked(ctx, entry)
}

func (m *Manager) setupLocked(ctx context.Context, entry config.Entry) error {
	if m.isClosed() {
		return ErrShutdown
	}
	if _, ok := m.Instance(entry.ID); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, entry.ID)
	}

	serial := entry.Data.DeviceSerial
	logger := m.logger.With(zap.String("entry_id", entry.ID), zap.String("device_sn", serial))

	fetcher := m.factory(entry.Data.Username, entry.Data.Password, serial)
	coord := coordinator.New(serial, fetcher, entry.Interval(), m.clock, m.logger)

	if err := coord.FirstRefresh(ctx); err != nil {
		coord.Shutdown()
		m.metrics.IncSetupRetry(serial)
		delay := m.scheduleRetry(entry)
		logger.Warn("Device not ready, will retry",
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return err
	}

	snapshot := coord.LastResult().Snapshot
	inst := &Instance{
		Entry: entry,
		Device: platform.DeviceInfo{
			Identifier:      serial,
			Manufacturer:    Manufacturer,
			Name:            fmt.Sprintf("%s (%s)", Manufacturer, serial),
			Model:           snapshot.Model,
			SoftwareVersion: snapshot.SoftwareVersion,
		},
		Coordinator: coord,
	}

	platforms, err := m.registry.Setup(&platform.Context{
		Entry:       entry,
		Device:      inst.Device,
		Coordinator: coord,
		HAClient:    m.client,
		Logger:      logger,
		ReadOnly:    m.readOnly,
		Clock:       m.clock,
	})
	if err != nil {
		coord.Shutdown()
		m.cancelRetry(entry.ID)
		return fmt.Errorf("failed to set up platforms: %w", err)
	}
	inst.platforms = platforms

	coord.Start()

	buttonID := RefreshButtonEntityID(entry.UniqueID)
	sub, err := m.client.SubscribeStateChanges(buttonID, m.refreshHandler(inst, logger))
	if err != nil {
		logger.Warn("Failed to subscribe to refresh button",
			zap.String("entity_id", buttonID),
			zap.Error(err))
	}
	inst.refreshSub = sub

	m.cancelRetry(entry.ID)
	m.mu.Lock()
	m.instances[entry.ID] = inst
	m.mu.Unlock()

	logger.Info("Device set up",
		zap.String("model", inst.Device.Model),
		zap.Duration("interval", coord.Interval()),
		zap.Int("platforms", len(platforms)))
	return nil
}

// refreshHandler refreshes off the websocket receive goroutine whenever the
// button entity gets a new state
func (m *Manager) refreshHandler(inst *Instance, logger *zap.Logger) ha.StateChangeHandler {
	return func(entityID string, oldState, newState *ha.State) {
		if newState == nil || newState.State == "unavailable" || newState.State == "unknown" {
			return
		}
		if oldState != nil && oldState.State == newState.State {
			return
		}

		logger.Info("Refresh requested", zap.String("entity_id", entityID))
		go inst.Coordinator.RefreshNow(context.Background())
	}
}

// UnloadEntry stops the platforms and the coordinator of an entry and
// cancels a pending setup retry
func (m *Manager) UnloadEntry(entryID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.unloadLocked(entryID)
}

func (m *Manager) unloadLocked(entryID string) error {
	retried := m.cancelRetry(entryID)

	m.mu.Lock()
	inst, ok := m.instances[entryID]
	delete(m.instances, entryID)
	m.mu.Unlock()

	if !ok {
		if retried {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotLoaded, entryID)
	}

	if inst.refreshSub != nil {
		if err := inst.refreshSub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe refresh button", zap.Error(err))
		}
	}
	platform.Unload(inst.platforms)
	inst.Coordinator.Shutdown()

	m.logger.Info("Device unloaded",
		zap.String("entry_id", entryID),
		zap.String("device_sn", inst.Entry.Data.DeviceSerial))
	return nil
}

// ReloadEntry unloads the entry and sets it up again from the store
func (m *Manager) ReloadEntry(ctx context.Context, entryID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if err := m.unloadLocked(entryID); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}

	entry, err := m.store.Get(entryID)
	if err != nil {
		return err
	}

	m.logger.Info("Reloading entry", zap.String("entry_id", entryID))
	return m.setupLocked(ctx, entry)
}

// RemoveEntry unloads an entry and deletes it from the store
func (m *Manager) RemoveEntry(entryID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if err := m.unloadLocked(entryID); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}
	return m.store.Remove(entryID)
}

// Instance returns the running instance of an entry
func (m *Manager) Instance(entryID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[entryID]
	return inst, ok
}

// InstanceBySerial returns the running instance for a device serial number
func (m *Manager) InstanceBySerial(serial string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.Entry.Data.DeviceSerial == serial {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns all running instances
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		result = append(result, inst)
	}
	return result
}

// PendingRetry reports whether a setup retry is scheduled for the entry
func (m *Manager) PendingRetry(entryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.retries[entryID]
	return ok
}

// Shutdown unloads every entry and cancels all retries
func (m *Manager) Shutdown() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.instances)+len(m.retries))
	for id := range m.instances {
		ids = append(ids, id)
	}
	for id := range m.retries {
		if _, ok := m.instances[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.unloadLocked(id)
	}
	m.logger.Info("All devices unloaded")
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// scheduleRetry arms the next setup attempt and returns its delay
func (m *Manager) scheduleRetry(entry config.Entry) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retries[entry.ID]
	if !ok {
		r = &retry{}
		m.retries[entry.ID] = r
	}
	if r.timer != nil {
		r.timer.Stop()
	}

	r.delay = nextRetryDelay(r.delay)
	r.attempts++
	r.timer = m.clock.AfterFunc(r.delay, func() { m.runRetry(entry.ID, r) })
	return r.delay
}

func (m *Manager) runRetry(entryID string, r *retry) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.RLock()
	current := m.retries[entryID]
	m.mu.RUnlock()

	// cancelled or superseded while waiting for the lock
	if current != r {
		return
	}

	entry, err := m.store.Get(entryID)
	if err != nil {
		m.cancelRetry(entryID)
		return
	}

	m.logger.Info("Retrying device setup",
		zap.String("entry_id", entryID),
		zap.Int("attempt", r.attempts+1))
	m.setupLocked(context.Background(), entry)
}

func (m *Manager) cancelRetry(entryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retries[entryID]
	if !ok {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(m.retries, entryID)
	return true
}

// nextRetryDelay doubles prev from initialRetryDelay up to maxRetryDelay
func nextRetryDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return initialRetryDelay
	}
	next := prev * 2
	if next > maxRetryDelay {
		return maxRetryDelay
	}
	return next
}
