package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/entity"
	"iquasoftener/internal/ha"
	"iquasoftener/internal/iqua"
	"iquasoftener/internal/metrics"
	"iquasoftener/internal/sensor"
	"iquasoftener/pkg/platform"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

var errCloud = &iqua.Error{Op: "signin", Err: errors.New("invalid status 503")}

func snapshot() *iqua.Snapshot {
	return &iqua.Snapshot{
		State:           iqua.StateOnline,
		DeviceTime:      start,
		TodayUse:        180,
		VolumeUnit:      iqua.Liters,
		Model:           "Pro 32 (4021)",
		SoftwareVersion: "6.4",
	}
}

// recordingPlatform logs lifecycle calls per device
type recordingPlatform struct {
	serial string
	events *eventLog
}

func (p *recordingPlatform) Name() string { return "recording" }
func (p *recordingPlatform) Start() error { p.events.add("start " + p.serial); return nil }
func (p *recordingPlatform) Stop()        { p.events.add("stop " + p.serial) }

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fixture struct {
	manager  *Manager
	store    *config.Store
	client   *ha.MockClient
	clk      *clock.MockClock
	fetchers map[string]*iqua.MockClient
	events   *eventLog
}

func newFixture(t *testing.T) *fixture {
	logger, _ := zap.NewDevelopment()

	store := config.NewStore(filepath.Join(t.TempDir(), "entries.yaml"), logger)
	require.NoError(t, store.Load())

	f := &fixture{
		store:    store,
		client:   ha.NewMockClient(),
		clk:      clock.NewMockClock(start),
		fetchers: make(map[string]*iqua.MockClient),
		events:   &eventLog{},
	}

	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(entity.PlatformInfo()))
	require.NoError(t, registry.Register(platform.Info{
		Name:  "recording",
		Order: 90,
		Factory: func(ctx *platform.Context) (platform.Platform, error) {
			return &recordingPlatform{serial: ctx.Entry.Data.DeviceSerial, events: f.events}, nil
		},
	}))

	f.manager = NewManager(Options{
		Store: store,
		Factory: func(username, password, serial string) iqua.Fetcher {
			if fetcher, ok := f.fetchers[serial]; ok {
				return fetcher
			}
			return iqua.NewMockClient(iqua.MockResult{Err: errCloud})
		},
		Registry: registry,
		HAClient: f.client,
		Clock:    f.clk,
		Logger:   logger,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	t.Cleanup(f.manager.Shutdown)
	return f
}

func (f *fixture) addEntry(t *testing.T, serial string, results ...iqua.MockResult) config.Entry {
	f.fetchers[serial] = iqua.NewMockClient(results...)
	entry, err := f.store.Add(config.Entry{
		Title:    "IQua " + serial,
		UniqueID: "iqua_softener_" + serial,
		Data:     config.EntryData{Username: "user", Password: "pass", DeviceSerial: serial},
		Options:  config.EntryOptions{UpdateInterval: 900},
	})
	require.NoError(t, err)
	return entry
}

func TestSetupEntry_Success(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})

	require.NoError(t, f.manager.SetupEntry(context.Background(), entry))

	inst, ok := f.manager.Instance(entry.ID)
	require.True(t, ok)
	assert.Equal(t, platform.DeviceInfo{
		Identifier:      "SN1",
		Manufacturer:    "IQua",
		Name:            "IQua (SN1)",
		Model:           "Pro 32 (4021)",
		SoftwareVersion: "6.4",
	}, inst.Device)
	assert.Equal(t, 900*time.Second, inst.Coordinator.Interval())

	bySerial, ok := f.manager.InstanceBySerial("SN1")
	require.True(t, ok)
	assert.Same(t, inst, bySerial)

	// sensors published, polling armed, refresh button watched
	assert.Len(t, f.client.Writes(), len(sensor.AllDescriptors))
	assert.Equal(t, 1, f.clk.Pending())
	assert.Equal(t, 1, f.client.SubscriberCount("input_button.iqua_softener_sn1_refresh"))
	assert.Equal(t, []string{"start SN1"}, f.events.all())

	err := f.manager.SetupEntry(context.Background(), entry)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestSetupEntry_NotReadyRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1",
		iqua.MockResult{Err: errCloud},
		iqua.MockResult{Err: errCloud},
		iqua.MockResult{Snapshot: snapshot()},
	)
	fetcher := f.fetchers["SN1"]

	err := f.manager.SetupEntry(context.Background(), entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrNotReady)

	var iquaErr *iqua.Error
	assert.True(t, errors.As(err, &iquaErr))

	_, ok := f.manager.Instance(entry.ID)
	assert.False(t, ok)
	assert.True(t, f.manager.PendingRetry(entry.ID))
	assert.Empty(t, f.client.Writes())

	f.clk.Advance(9 * time.Second)
	assert.Equal(t, 1, fetcher.Calls())
	f.clk.Advance(time.Second)
	assert.Equal(t, 2, fetcher.Calls())

	// second failure doubles the delay
	f.clk.Advance(19 * time.Second)
	assert.Equal(t, 2, fetcher.Calls())
	f.clk.Advance(time.Second)
	assert.Equal(t, 3, fetcher.Calls())

	_, ok = f.manager.Instance(entry.ID)
	assert.True(t, ok)
	assert.False(t, f.manager.PendingRetry(entry.ID))
	assert.Equal(t, 1, f.clk.Pending())
}

func TestUnloadEntry_CancelsRetry(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Err: errCloud})

	require.Error(t, f.manager.SetupEntry(context.Background(), entry))
	require.NoError(t, f.manager.UnloadEntry(entry.ID))

	f.clk.Advance(time.Hour)
	assert.Equal(t, 1, f.fetchers["SN1"].Calls())
	assert.False(t, f.manager.PendingRetry(entry.ID))
	assert.Equal(t, 0, f.clk.Pending())
}

func TestUnloadEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})
	require.NoError(t, f.manager.SetupEntry(context.Background(), entry))

	require.NoError(t, f.manager.UnloadEntry(entry.ID))

	_, ok := f.manager.Instance(entry.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, f.clk.Pending())
	assert.Equal(t, 0, f.client.SubscriberCount("input_button.iqua_softener_sn1_refresh"))
	assert.Equal(t, []string{"start SN1", "stop SN1"}, f.events.all())

	state, ok := f.client.GetState("sensor.iqua_softener_sn1_state")
	require.True(t, ok)
	assert.Equal(t, "unavailable", state.State)

	// polling stopped
	f.clk.Advance(time.Hour)
	assert.Equal(t, 1, f.fetchers["SN1"].Calls())

	assert.ErrorIs(t, f.manager.UnloadEntry(entry.ID), ErrNotLoaded)
}

func TestOptionsUpdateReloadsEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})

	f.manager.Start(context.Background())
	before, ok := f.manager.Instance(entry.ID)
	require.True(t, ok)

	_, err := f.store.UpdateOptions(entry.ID, config.EntryOptions{UpdateInterval: 1800})
	require.NoError(t, err)

	after, ok := f.manager.Instance(entry.ID)
	require.True(t, ok)
	assert.NotSame(t, before.Coordinator, after.Coordinator)
	assert.Equal(t, 30*time.Minute, after.Coordinator.Interval())
	assert.Equal(t, []string{"start SN1", "stop SN1", "start SN1"}, f.events.all())

	// only the new coordinator polls
	assert.Equal(t, 1, f.clk.Pending())
}

func TestRefreshButtonTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})
	require.NoError(t, f.manager.SetupEntry(context.Background(), entry))

	button := RefreshButtonEntityID(entry.UniqueID)
	assert.Equal(t, "input_button.iqua_softener_sn1_refresh", button)

	f.client.SimulateStateChange(button, "2024-01-10T15:00:05+00:00")

	assert.Eventually(t, func() bool {
		return f.fetchers["SN1"].Calls() == 2
	}, time.Second, 10*time.Millisecond)

	f.client.SimulateStateChange(button, "unavailable")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.fetchers["SN1"].Calls())
}

func TestInstancesAreIndependent(t *testing.T) {
	f := newFixture(t)
	good := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})
	bad := f.addEntry(t, "SN2", iqua.MockResult{Err: errCloud})

	f.manager.Start(context.Background())

	_, ok := f.manager.Instance(good.ID)
	assert.True(t, ok)
	_, ok = f.manager.Instance(bad.ID)
	assert.False(t, ok)
	assert.True(t, f.manager.PendingRetry(bad.ID))
	assert.Len(t, f.manager.Instances(), 1)

	f.clk.Advance(900 * time.Second)
	assert.Equal(t, 2, f.fetchers["SN1"].Calls())
	assert.Greater(t, f.fetchers["SN2"].Calls(), 1)
	assert.True(t, f.manager.PendingRetry(bad.ID))
}

func TestRemoveEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})
	require.NoError(t, f.manager.SetupEntry(context.Background(), entry))

	require.NoError(t, f.manager.RemoveEntry(entry.ID))

	_, ok := f.manager.Instance(entry.ID)
	assert.False(t, ok)
	_, err := f.store.Get(entry.ID)
	assert.ErrorIs(t, err, config.ErrEntryNotFound)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	first := f.addEntry(t, "SN1", iqua.MockResult{Snapshot: snapshot()})
	f.addEntry(t, "SN2", iqua.MockResult{Err: errCloud})
	f.manager.Start(context.Background())

	f.manager.Shutdown()
	f.manager.Shutdown()

	assert.Empty(t, f.manager.Instances())
	assert.Equal(t, 0, f.clk.Pending())
	assert.ErrorIs(t, f.manager.SetupEntry(context.Background(), first), ErrShutdown)
}

func TestNextRetryDelay(t *testing.T) {
	var delays []time.Duration
	d := time.Duration(0)
	for i := 0; i < 8; i++ {
		d = nextRetryDelay(d)
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}, delays)
}
