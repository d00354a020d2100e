package testutil

import (
	"context"
	"fmt"
	"path/filepath"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/entity"
	"iquasoftener/internal/flow"
	"iquasoftener/internal/ha"
	"iquasoftener/internal/integration"
	"iquasoftener/internal/iqua"
	"iquasoftener/internal/metrics"
	"iquasoftener/pkg/platform"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Credentials accepted by the mock cloud
const (
	Username = "user@example.com"
	Password = "hunter2"
)

// TestEnv wires the real bridge (HA client, entry store, manager and flow)
// against a mock Home Assistant and a mock iQua cloud.
type TestEnv struct {
	HA       *MockHAServer
	Cloud    *MockIquaServer
	Client   *ha.Client
	Store    *config.Store
	Manager  *integration.Manager
	Flow     *flow.Flow
	Metrics  *prometheus.Registry
	Registry *platform.Registry
	Logger   *zap.Logger
}

// NewTestEnv starts both mock servers, connects the HA client and creates an
// empty entry store under dir.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(t.TempDir())
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(dir string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	haServer := NewMockHAServer("test_token")
	if err := haServer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock HA server: %w", err)
	}

	cloud := NewMockIquaServer(Username, Password)
	if err := cloud.Start(); err != nil {
		haServer.Stop()
		return nil, fmt.Errorf("failed to start mock cloud: %w", err)
	}

	client := ha.NewClient(haServer.URL(), "test_token", logger)
	if err := client.Connect(); err != nil {
		cloud.Stop()
		haServer.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	store := config.NewStore(filepath.Join(dir, "entries.yaml"), logger)
	if err := store.Load(); err != nil {
		client.Disconnect()
		cloud.Stop()
		haServer.Stop()
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	registry := platform.NewRegistry()
	for _, info := range []platform.Info{entity.PlatformInfo(), metrics.PlatformInfo(m)} {
		if err := registry.Register(info); err != nil {
			return nil, err
		}
	}

	factory := iqua.NewFactory(cloud.URL(), logger)

	manager := integration.NewManager(integration.Options{
		Store:    store,
		Factory:  factory,
		Registry: registry,
		HAClient: client,
		Clock:    clock.NewRealClock(),
		Logger:   logger,
		Metrics:  m,
	})

	return &TestEnv{
		HA:       haServer,
		Cloud:    cloud,
		Client:   client,
		Store:    store,
		Manager:  manager,
		Flow:     flow.New(store, factory, logger),
		Metrics:  promRegistry,
		Registry: registry,
		Logger:   logger,
	}, nil
}

// AddDevice serves serial from the mock cloud and runs the setup form for it
func (e *TestEnv) AddDevice(ctx context.Context, serial string, d Dashboard) (config.Entry, error) {
	e.Cloud.SetDashboard(serial, d)

	result, err := e.Flow.StepUser(ctx, flow.UserInput{
		Username:     Username,
		Password:     Password,
		DeviceSerial: serial,
	})
	if err != nil {
		return config.Entry{}, err
	}
	if !result.Created() {
		return config.Entry{}, fmt.Errorf("setup form rejected: %v", result.Errors)
	}
	return *result.Entry, nil
}

// SensorState returns the state Home Assistant holds for a sensor key of serial
func (e *TestEnv) SensorState(serial, key string) *EntityState {
	return e.HA.GetState(entity.EntityID(flow.UniqueID(serial) + "_" + key))
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Manager != nil {
		e.Manager.Shutdown()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Cloud != nil {
		e.Cloud.Stop()
	}
	if e.HA != nil {
		e.HA.Stop()
	}
}
