package entity

import (
	"fmt"
	"sync"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/ha"
	"iquasoftener/internal/sensor"
	"iquasoftener/pkg/platform"

	"go.uber.org/zap"
)

// PlatformName is the registry name of the sensor platform
const PlatformName = "sensor"

func init() {
	if err := platform.Register(PlatformInfo()); err != nil {
		panic(fmt.Sprintf("failed to register sensor platform: %v", err))
	}
}

// PlatformInfo describes the sensor platform for a registry
func PlatformInfo() platform.Info {
	return platform.Info{
		Name:        PlatformName,
		Description: "Softener sensor entities published to Home Assistant",
		Order:       10,
		Factory: func(ctx *platform.Context) (platform.Platform, error) {
			return NewSensorPlatform(ctx), nil
		},
	}
}

// SensorPlatform owns the sensor entities of one device
type SensorPlatform struct {
	sensors     []*Sensor
	coordinator *coordinator.Coordinator
	client      ha.HAClient
	clock       clock.Clock
	readOnly    bool
	logger      *zap.Logger

	mu     sync.Mutex
	remove func()
}

// NewSensorPlatform builds one entity per descriptor
func NewSensorPlatform(ctx *platform.Context) *SensorPlatform {
	clk := ctx.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}

	sensors := make([]*Sensor, 0, len(sensor.AllDescriptors))
	for _, d := range sensor.AllDescriptors {
		sensors = append(sensors, NewSensor(d, ctx.Entry.UniqueID, ctx.Device))
	}

	return &SensorPlatform{
		sensors:     sensors,
		coordinator: ctx.Coordinator,
		client:      ctx.HAClient,
		clock:       clk,
		readOnly:    ctx.ReadOnly,
		logger:      ctx.Logger.Named("sensor"),
	}
}

// Name implements platform.Platform
func (p *SensorPlatform) Name() string {
	return PlatformName
}

// Sensors returns the entities in publish order
func (p *SensorPlatform) Sensors() []*Sensor {
	return p.sensors
}

// Start writes the current result and subscribes to coordinator updates
func (p *SensorPlatform) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remove != nil {
		return nil
	}

	p.publish(p.coordinator.LastResult())
	p.remove = p.coordinator.OnUpdate(p.publish)

	p.logger.Info("Sensor entities added", zap.Int("count", len(p.sensors)))
	return nil
}

// Stop unsubscribes and marks the entities unavailable
func (p *SensorPlatform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remove == nil {
		return
	}
	p.remove()
	p.remove = nil

	for _, s := range p.sensors {
		p.write(s.EntityID(), stateUnavailable, map[string]interface{}{
			"friendly_name": s.Name(),
			"unique_id":     s.UniqueID(),
		})
	}
	p.logger.Info("Sensor entities removed")
}

// publish renders and writes every entity. A failed write is logged and
// does not stop the remaining entities.
func (p *SensorPlatform) publish(result coordinator.Result) {
	now := p.clock.Now()

	for _, s := range p.sensors {
		state, attrs, err := s.Render(result, now)
		if err != nil {
			p.logger.Error("Failed to map sensor value",
				zap.String("entity_id", s.EntityID()),
				zap.Error(err))
			continue
		}
		p.write(s.EntityID(), state, attrs)
	}
}

func (p *SensorPlatform) write(entityID, state string, attrs map[string]interface{}) {
	if p.readOnly {
		p.logger.Info("READ-ONLY: would set sensor state",
			zap.String("entity_id", entityID),
			zap.String("state", state))
		return
	}

	if err := p.client.SetState(entityID, state, attrs); err != nil {
		p.logger.Error("Failed to set sensor state",
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}
