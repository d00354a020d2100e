package metrics

import (
	"iquasoftener/internal/coordinator"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics are the per-device softener metrics. A nil *Metrics is a no-op.
type Metrics struct {
	refreshes    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
	saltLevel    *prometheus.GaugeVec
	waterFlow    *prometheus.GaugeVec
	todayUse     *prometheus.GaugeVec
	setupRetries *prometheus.CounterVec
}

// New creates the metrics and registers them with registerer
// (prometheus.DefaultRegisterer when nil)
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	refreshes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqua_refresh_total",
			Help: "Refresh cycles per device by outcome.",
		},
		[]string{"device_sn", "result"}, // success | failure
	)

	lastSuccess := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iqua_last_success_timestamp_seconds",
			Help: "Unix time of the last successful refresh.",
		},
		[]string{"device_sn"},
	)

	saltLevel := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iqua_salt_level_percent",
			Help: "Salt level reported by the softener.",
		},
		[]string{"device_sn"},
	)

	waterFlow := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iqua_current_water_flow",
			Help: "Current water flow in the device volume unit per minute.",
		},
		[]string{"device_sn", "unit"},
	)

	todayUse := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iqua_today_use",
			Help: "Water used today in the device volume unit.",
		},
		[]string{"device_sn", "unit"},
	)

	setupRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqua_setup_retries_total",
			Help: "Device setups postponed because the first fetch failed.",
		},
		[]string{"device_sn"},
	)

	registerer.MustRegister(refreshes, lastSuccess, saltLevel, waterFlow, todayUse, setupRetries)

	return &Metrics{
		refreshes:    refreshes,
		lastSuccess:  lastSuccess,
		saltLevel:    saltLevel,
		waterFlow:    waterFlow,
		todayUse:     todayUse,
		setupRetries: setupRetries,
	}
}

// ObserveResult counts one refresh cycle and updates the value gauges
func (m *Metrics) ObserveResult(serial string, r coordinator.Result) {
	if m == nil {
		return
	}

	result := resultSuccess
	if !r.Success() {
		result = resultFailure
	}
	m.refreshes.WithLabelValues(serial, result).Inc()
	m.SetValues(serial, r)
}

// SetValues updates the value gauges from the last good snapshot
func (m *Metrics) SetValues(serial string, r coordinator.Result) {
	if m == nil || r.Snapshot == nil {
		return
	}

	s := r.Snapshot
	unit := s.VolumeUnit.String()

	if !r.LastSuccess.IsZero() {
		m.lastSuccess.WithLabelValues(serial).Set(float64(r.LastSuccess.Unix()))
	}
	if s.SaltLevelPercent != nil {
		m.saltLevel.WithLabelValues(serial).Set(*s.SaltLevelPercent)
	} else {
		m.saltLevel.DeleteLabelValues(serial)
	}
	m.waterFlow.WithLabelValues(serial, unit).Set(s.CurrentWaterFlow)
	m.todayUse.WithLabelValues(serial, unit).Set(s.TodayUse)
}

// IncSetupRetry counts a postponed setup
func (m *Metrics) IncSetupRetry(serial string) {
	if m == nil {
		return
	}
	m.setupRetries.WithLabelValues(serial).Inc()
}

// DeleteDevice drops the value gauges of an unloaded device. Counters are kept.
func (m *Metrics) DeleteDevice(serial string) {
	if m == nil {
		return
	}

	labels := prometheus.Labels{"device_sn": serial}
	m.lastSuccess.DeletePartialMatch(labels)
	m.saltLevel.DeletePartialMatch(labels)
	m.waterFlow.DeletePartialMatch(labels)
	m.todayUse.DeletePartialMatch(labels)
}
