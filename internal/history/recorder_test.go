package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/iqua"
	"iquasoftener/pkg/platform"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, point...)
	return nil
}

func (w *fakeWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := make([]string, 0, len(w.points))
	for _, p := range w.points {
		lines = append(lines, write.PointToLineProtocol(p, time.Nanosecond))
	}
	return lines
}

func floatPtr(v float64) *float64 { return &v }

func snapshot() *iqua.Snapshot {
	return &iqua.Snapshot{
		State:                     iqua.StateOnline,
		DaysSinceLastRegeneration: 3,
		OutOfSaltEstimatedDays:    25,
		SaltLevelPercent:          floatPtr(76),
		TotalWaterAvailable:       3400,
		CurrentWaterFlow:          2.5,
		TodayUse:                  180,
		AverageDailyUse:           210,
		VolumeUnit:                iqua.Gallons,
	}
}

func TestPoint(t *testing.T) {
	p := Point("SN123", snapshot(), now)

	assert.Equal(t, "softener", p.Name())
	assert.Equal(t, now, p.Time())

	line := write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, "softener,device_sn=SN123,volume_unit=gallons ")
	assert.Contains(t, line, "salt_level_percent=76")
	assert.Contains(t, line, "days_since_last_regeneration=3i")
	assert.Contains(t, line, "online=true")
	assert.Contains(t, line, "today_use=180")

	absent := snapshot()
	absent.SaltLevelPercent = nil
	line = write.PointToLineProtocol(Point("SN123", absent, now), time.Nanosecond)
	assert.NotContains(t, line, "salt_level_percent")
}

func TestRecorder_Record(t *testing.T) {
	writer := &fakeWriter{}
	r := NewRecorder(writer, zap.NewNop())

	require.NoError(t, r.Record(context.Background(), "SN123", snapshot(), now))
	assert.Len(t, writer.lines(), 1)

	writer.err = errors.New("bucket not found")
	err := r.Record(context.Background(), "SN123", snapshot(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket not found")
}

func TestHistoryPlatform_RecordsSuccessfulRefreshes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	writer := &fakeWriter{}
	fetcher := iqua.NewMockClient(
		iqua.MockResult{Snapshot: snapshot()},
		iqua.MockResult{Snapshot: snapshot()},
		iqua.MockResult{Err: &iqua.Error{Op: "dashboard", Err: errors.New("timeout")}},
	)
	coord := coordinator.New("SN123", fetcher, 900*time.Second, clock.NewMockClock(now), logger)
	t.Cleanup(coord.Shutdown)
	require.NoError(t, coord.FirstRefresh(context.Background()))

	p, err := PlatformInfo(NewRecorder(writer, logger)).Factory(&platform.Context{
		Entry:       config.Entry{Data: config.EntryData{DeviceSerial: "SN123"}},
		Coordinator: coord,
		Logger:      logger,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	coord.RefreshNow(context.Background())
	coord.RefreshNow(context.Background())
	assert.Len(t, writer.lines(), 1)

	writer.err = errors.New("unreachable")
	fetcher.Push(iqua.MockResult{Snapshot: snapshot()})
	coord.RefreshNow(context.Background())
	assert.Len(t, logs.FilterMessage("Failed to record snapshot").All(), 1)

	p.Stop()
	writer.err = nil
	coord.RefreshNow(context.Background())
	assert.Len(t, writer.lines(), 1)
}
