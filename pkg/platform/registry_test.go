package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPlatform implements the Platform interface for testing
type mockPlatform struct {
	name     string
	startErr error
	events   *[]string
}

func (m *mockPlatform) Name() string { return m.name }

func (m *mockPlatform) Start() error {
	if m.events != nil {
		*m.events = append(*m.events, "start "+m.name)
	}
	return m.startErr
}

func (m *mockPlatform) Stop() {
	if m.events != nil {
		*m.events = append(*m.events, "stop "+m.name)
	}
}

func factoryFor(p *mockPlatform) Factory {
	return func(ctx *Context) (Platform, error) { return p, nil }
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        Info
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: Info{
				Name:        "sensor",
				Description: "Sensor entities",
				Factory:     factoryFor(&mockPlatform{name: "sensor"}),
			},
		},
		{
			name:        "empty name",
			info:        Info{Factory: factoryFor(&mockPlatform{})},
			wantErr:     true,
			errContains: "name cannot be empty",
		},
		{
			name:        "nil factory",
			info:        Info{Name: "sensor"},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultOrder, registry.Get(tt.info.Name).Order)
		})
	}
}

func TestRegistry_Priority(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(Info{
		Name:        "sensor",
		Description: "default",
		Factory:     factoryFor(&mockPlatform{name: "default"}),
	}))
	require.NoError(t, registry.Register(Info{
		Name:        "sensor",
		Description: "override",
		Priority:    PriorityOverride,
		Factory:     factoryFor(&mockPlatform{name: "override"}),
	}))
	require.NoError(t, registry.Register(Info{
		Name:        "sensor",
		Description: "late default",
		Factory:     factoryFor(&mockPlatform{name: "late"}),
	}))

	info := registry.Get("sensor")
	require.NotNil(t, info)
	assert.Equal(t, "override", info.Description)
	assert.Equal(t, []string{"sensor"}, registry.Names())
	assert.Nil(t, registry.Get("missing"))
}

func TestRegistry_ListOrder(t *testing.T) {
	registry := NewRegistry()

	for _, info := range []Info{
		{Name: "history", Order: 60},
		{Name: "sensor", Order: 10},
		{Name: "metrics", Order: 50},
		{Name: "alerts", Order: 50},
	} {
		info.Factory = factoryFor(&mockPlatform{name: info.Name})
		require.NoError(t, registry.Register(info))
	}

	var names []string
	for _, info := range registry.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"sensor", "alerts", "metrics", "history"}, names)
}

func TestRegistry_SetupAndUnload(t *testing.T) {
	registry := NewRegistry()
	var events []string

	registry.Register(Info{Name: "metrics", Order: 50, Factory: factoryFor(&mockPlatform{name: "metrics", events: &events})})
	registry.Register(Info{Name: "sensor", Order: 10, Factory: factoryFor(&mockPlatform{name: "sensor", events: &events})})

	platforms, err := registry.Setup(&Context{})
	require.NoError(t, err)
	require.Len(t, platforms, 2)

	Unload(platforms)
	assert.Equal(t, []string{"start sensor", "start metrics", "stop metrics", "stop sensor"}, events)
}

func TestRegistry_SetupFailureStopsStarted(t *testing.T) {
	t.Run("factory error", func(t *testing.T) {
		registry := NewRegistry()
		var events []string

		registry.Register(Info{Name: "sensor", Order: 10, Factory: factoryFor(&mockPlatform{name: "sensor", events: &events})})
		registry.Register(Info{Name: "history", Order: 60, Factory: func(ctx *Context) (Platform, error) {
			return nil, errors.New("no bucket")
		}})

		platforms, err := registry.Setup(&Context{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create platform history")
		assert.Nil(t, platforms)
		assert.Equal(t, []string{"start sensor", "stop sensor"}, events)
	})

	t.Run("start error", func(t *testing.T) {
		registry := NewRegistry()
		var events []string

		registry.Register(Info{Name: "sensor", Order: 10, Factory: factoryFor(&mockPlatform{name: "sensor", events: &events})})
		registry.Register(Info{Name: "metrics", Order: 50, Factory: factoryFor(&mockPlatform{
			name: "metrics", events: &events, startErr: errors.New("boom"),
		})})

		_, err := registry.Setup(&Context{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start platform metrics")
		assert.Equal(t, []string{"start sensor", "start metrics", "stop metrics", "stop sensor"}, events)
	})
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Info{Name: "sensor", Factory: factoryFor(&mockPlatform{})})

	registry.Clear()

	assert.Empty(t, registry.Names())
	assert.Nil(t, registry.Get("sensor"))
}
