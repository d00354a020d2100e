package history

import (
	"context"
	"sync"

	"iquasoftener/internal/coordinator"
	"iquasoftener/pkg/platform"

	"go.uber.org/zap"
)

// PlatformName is the registry name of the history platform
const PlatformName = "history"

// PlatformInfo describes a platform recording every successful refresh with r
func PlatformInfo(r *Recorder) platform.Info {
	return platform.Info{
		Name:        PlatformName,
		Description: "InfluxDB snapshot history",
		Order:       60,
		Factory: func(ctx *platform.Context) (platform.Platform, error) {
			return &devicePlatform{
				recorder: r,
				serial:   ctx.Entry.Data.DeviceSerial,
				coord:    ctx.Coordinator,
				logger:   ctx.Logger.Named("history"),
			}, nil
		},
	}
}

type devicePlatform struct {
	recorder *Recorder
	serial   string
	coord    *coordinator.Coordinator
	logger   *zap.Logger

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
	p.remove = p.coord.OnUpdate(p.record)
	return nil
}

func (p *devicePlatform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remove != nil {
		p.remove()
		p.remove = nil
	}
}

// record skips failed cycles; their snapshot was already written
func (p *devicePlatform) record(r coordinator.Result) {
	if !r.Success() {
		return
	}
	if err := p.recorder.Record(context.Background(), p.serial, r.Snapshot, r.UpdatedAt); err != nil {
		p.logger.Warn("Failed to record snapshot", zap.Error(err))
	}
}
