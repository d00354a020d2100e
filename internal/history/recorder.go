// Package history writes every successful device snapshot to InfluxDB.
package history

import (
	"context"
	"fmt"
	"time"

	"iquasoftener/internal/iqua"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Measurement is the InfluxDB measurement name of snapshot points
const Measurement = "softener"

const writeTimeout = 10 * time.Second

// PointWriter is the subset of the InfluxDB blocking write API used here
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Recorder writes snapshot points
type Recorder struct {
	writer PointWriter
	logger *zap.Logger
}

// NewRecorder creates a recorder on top of writer
func NewRecorder(writer PointWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		logger: logger.Named("history"),
	}
}

// NewInfluxRecorder connects to InfluxDB and returns a recorder and the
// function closing the client
func NewInfluxRecorder(url, token, org, bucket string, logger *zap.Logger) (*Recorder, func()) {
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPIBlocking(org, bucket)

	logger.Info("InfluxDB history enabled",
		zap.String("url", url),
		zap.String("org", org),
		zap.String("bucket", bucket))

	return NewRecorder(writeAPI, logger), client.Close
}

// Record writes one point for the snapshot of serial taken at at
func (r *Recorder) Record(ctx context.Context, serial string, s *iqua.Snapshot, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := r.writer.WritePoint(ctx, Point(serial, s, at)); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}

	r.logger.Debug("Snapshot point written", zap.String("device_sn", serial))
	return nil
}

// Point converts a snapshot to an InfluxDB point tagged by serial and volume unit
func Point(serial string, s *iqua.Snapshot, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"online":                       s.State == iqua.StateOnline,
		"days_since_last_regeneration": s.DaysSinceLastRegeneration,
		"out_of_salt_estimated_days":   s.OutOfSaltEstimatedDays,
		"total_water_available":        s.TotalWaterAvailable,
		"current_water_flow":           s.CurrentWaterFlow,
		"today_use":                    s.TodayUse,
		"average_daily_use":            s.AverageDailyUse,
	}
	if s.SaltLevelPercent != nil {
		fields["salt_level_percent"] = *s.SaltLevelPercent
	}

	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"device_sn":   serial,
			"volume_unit": s.VolumeUnit.String(),
		},
		fields,
		at,
	)
}
