package metrics

import (
	"sync"

	"iquasoftener/internal/coordinator"
	"iquasoftener/pkg/platform"
)

// PlatformName is the registry name of the metrics platform
const PlatformName = "metrics"

// PlatformInfo describes a platform feeding m from every device
func PlatformInfo(m *Metrics) platform.Info {
	return platform.Info{
		Name:        PlatformName,
		Description: "Prometheus metrics per device",
		Order:       50,
		Factory: func(ctx *platform.Context) (platform.Platform, error) {
			return &devicePlatform{
				metrics: m,
				serial:  ctx.Entry.Data.DeviceSerial,
				coord:   ctx.Coordinator,
			}, nil
		},
	}
}

type devicePlatform struct {
	metrics *Metrics
	serial  string
	coord   *coordinator.Coordinator

	mu     sync.Mutex
	remove func()
}

func (p *devicePlatform) Name() string {
	return PlatformName
}

func (p *devicePlatform) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remove != nil {
		return nil
	}
	p.metrics.SetValues(p.serial, p.coord.LastResult())
	p.remove = p.coord.OnUpdate(func(r coordinator.Result) {
		p.metrics.ObserveResult(p.serial, r)
	})
	return nil
}

func (p *devicePlatform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remove == nil {
		return
	}
	p.remove()
	p.remove = nil
	p.metrics.DeleteDevice(p.serial)
}
