package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/entity"
	"iquasoftener/internal/flow"
	"iquasoftener/internal/integration"
	"iquasoftener/internal/sensor"
	"iquasoftener/pkg/platform"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides the HTTP API of the bridge
type Server struct {
	manager *integration.Manager
	flow    *flow.Flow
	store   *config.Store
	clock   clock.Clock
	logger  *zap.Logger
	router  *mux.Router
	server  *http.Server
}

// NewServer creates a new API server. gatherer backs /metrics
// (prometheus.DefaultGatherer when nil).
func NewServer(manager *integration.Manager, f *flow.Flow, store *config.Store, gatherer prometheus.Gatherer, clk clock.Clock, logger *zap.Logger, port int) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}

	s := &Server{
		manager: manager,
		flow:    f,
		store:   store,
		clock:   clk,
		logger:  logger.Named("api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/entries", s.handleListEntries).Methods(http.MethodGet)
	r.HandleFunc("/api/entries", s.handleCreateEntry).Methods(http.MethodPost)
	r.HandleFunc("/api/entries/{id}/options", s.handleGetOptions).Methods(http.MethodGet)
	r.HandleFunc("/api/entries/{id}/options", s.handleUpdateOptions).Methods(http.MethodPut)
	r.HandleFunc("/api/entries/{id}", s.handleDeleteEntry).Methods(http.MethodDelete)
	r.HandleFunc("/api/devices/{serial}", s.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{serial}/refresh", s.handleRefreshDevice).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// EntryView is an entry as exposed by the API. Credentials are never returned.
type EntryView struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	UniqueID       string `json:"unique_id"`
	DeviceSerial   string `json:"device_sn"`
	Username       string `json:"username"`
	UpdateInterval int    `json:"update_interval"`
	Loaded         bool   `json:"loaded"`
	PendingRetry   bool   `json:"pending_retry"`
}

// SensorView is one mapped sensor of a device
type SensorView struct {
	Key      string `json:"key"`
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Unit     string `json:"unit,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// SnapshotView is the raw device snapshot
type SnapshotView struct {
	State                     string    `json:"state"`
	DeviceTime                time.Time `json:"device_time"`
	DaysSinceLastRegeneration int       `json:"days_since_last_regeneration"`
	OutOfSaltEstimatedDays    int       `json:"out_of_salt_estimated_days"`
	SaltLevelPercent          *float64  `json:"salt_level_percent"`
	TotalWaterAvailable       float64   `json:"total_water_available"`
	CurrentWaterFlow          float64   `json:"current_water_flow"`
	TodayUse                  float64   `json:"today_use"`
	AverageDailyUse           float64   `json:"average_daily_use"`
	VolumeUnit                string    `json:"volume_unit"`
	Model                     string    `json:"model"`
	SoftwareVersion           string    `json:"software_version"`
}

// DeviceResponse is the JSON response of the device endpoints
type DeviceResponse struct {
	DeviceSerial      string              `json:"device_sn"`
	EntryID           string              `json:"entry_id"`
	Device            platform.DeviceInfo `json:"device"`
	IntervalSeconds   int                 `json:"update_interval"`
	LastUpdateSuccess bool                `json:"last_update_success"`
	LastError         string              `json:"last_error,omitempty"`
	UpdatedAt         *time.Time          `json:"updated_at,omitempty"`
	LastSuccess       *time.Time          `json:"last_success,omitempty"`
	Snapshot          *SnapshotView       `json:"snapshot,omitempty"`
	Sensors           []SensorView        `json:"sensors"`
}

func (s *Server) entryView(e config.Entry) EntryView {
	_, loaded := s.manager.Instance(e.ID)
	return EntryView{
		ID:             e.ID,
		Title:          e.Title,
		UniqueID:       e.UniqueID,
		DeviceSerial:   e.Data.DeviceSerial,
		Username:       e.Data.Username,
		UpdateInterval: config.ClampInterval(e.Options.UpdateInterval),
		Loaded:         loaded,
		PendingRetry:   s.manager.PendingRetry(e.ID),
	}
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.store.Entries()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, s.entryView(e))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var input flow.UserInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}

	result, err := s.flow.StepUser(r.Context(), input)
	if errors.Is(err, flow.ErrAlreadyConfigured) {
		s.writeError(w, http.StatusConflict, "already_configured", err)
		return
	}
	if err != nil {
		s.logger.Error("Setup form failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if !result.Created() {
		s.writeJSON(w, http.StatusBadRequest, result)
		return
	}

	// A device that is not ready is retried by the manager; the entry exists either way
	if err := s.manager.SetupEntry(context.Background(), *result.Entry); err != nil {
		s.logger.Warn("New entry not set up yet",
			zap.String("entry_id", result.Entry.ID),
			zap.Error(err))
	}

	s.writeJSON(w, http.StatusCreated, s.entryView(*result.Entry))
}

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.flow.DefaultOptions(mux.Vars(r)["id"])
	if errors.Is(err, config.ErrEntryNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var input flow.OptionsInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}

	result, err := s.flow.StepOptions(mux.Vars(r)["id"], input)
	if errors.Is(err, config.ErrEntryNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		s.logger.Error("Options form failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if !result.Created() {
		s.writeJSON(w, http.StatusBadRequest, result)
		return
	}

	s.writeJSON(w, http.StatusOK, s.entryView(*result.Entry))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	err := s.manager.RemoveEntry(mux.Vars(r)["id"])
	if errors.Is(err, config.ErrEntryNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.manager.InstanceBySerial(mux.Vars(r)["serial"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("no running device %s", mux.Vars(r)["serial"]))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deviceResponse(inst))
}

func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.manager.InstanceBySerial(mux.Vars(r)["serial"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("no running device %s", mux.Vars(r)["serial"]))
		return
	}

	inst.Coordinator.RefreshNow(r.Context())
	s.writeJSON(w, http.StatusOK, s.deviceResponse(inst))
}

func (s *Server) deviceResponse(inst *integration.Instance) DeviceResponse {
	result := inst.Coordinator.LastResult()
	now := s.clock.Now()

	resp := DeviceResponse{
		DeviceSerial:      inst.Entry.Data.DeviceSerial,
		EntryID:           inst.Entry.ID,
		Device:            inst.Device,
		IntervalSeconds:   int(inst.Coordinator.Interval() / time.Second),
		LastUpdateSuccess: result.Success(),
		Sensors:           make([]SensorView, 0, len(sensor.AllDescriptors)),
	}
	if result.Err != nil {
		resp.LastError = result.Err.Error()
	}
	if !result.UpdatedAt.IsZero() {
		resp.UpdatedAt = &result.UpdatedAt
	}
	if !result.LastSuccess.IsZero() {
		resp.LastSuccess = &result.LastSuccess
	}
	if snap := result.Snapshot; snap != nil {
		resp.Snapshot = &SnapshotView{
			State:                     string(snap.State),
			DeviceTime:                snap.DeviceTime,
			DaysSinceLastRegeneration: snap.DaysSinceLastRegeneration,
			OutOfSaltEstimatedDays:    snap.OutOfSaltEstimatedDays,
			SaltLevelPercent:          snap.SaltLevelPercent,
			TotalWaterAvailable:       snap.TotalWaterAvailable,
			CurrentWaterFlow:          snap.CurrentWaterFlow,
			TodayUse:                  snap.TodayUse,
			AverageDailyUse:           snap.AverageDailyUse,
			VolumeUnit:                snap.VolumeUnit.String(),
			Model:                     snap.Model,
			SoftwareVersion:           snap.SoftwareVersion,
		}
	}

	for _, d := range sensor.AllDescriptors {
		reading, err := sensor.Map(d.Key, result.Snapshot, now)
		if err != nil {
			s.logger.Error("Failed to map sensor", zap.String("key", d.Key), zap.Error(err))
			continue
		}
		e := entity.NewSensor(d, inst.Entry.UniqueID, inst.Device)
		resp.Sensors = append(resp.Sensors, SensorView{
			Key:      d.Key,
			EntityID: e.EntityID(),
			Name:     e.Name(),
			State:    entity.FormatState(reading.Value),
			Unit:     reading.Unit,
			Icon:     reading.Icon,
		})
	}

	return resp
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.manager.Instances()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string, err error) {
	s.writeJSON(w, status, map[string]string{
		"reason": reason,
		"error":  err.Error(),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/entries", Method: "GET", Description: "List configured softeners"},
	{Path: "/api/entries", Method: "POST", Description: "Add a softener (username, password, device_sn, update_interval)"},
	{Path: "/api/entries/{id}/options", Method: "GET", Description: "Current options of an entry"},
	{Path: "/api/entries/{id}/options", Method: "PUT", Description: "Change the update interval (900-3600 s) and reload"},
	{Path: "/api/entries/{id}", Method: "DELETE", Description: "Unload and remove an entry"},
	{Path: "/api/devices/{serial}", Method: "GET", Description: "Last snapshot, last error and mapped sensor values"},
	{Path: "/api/devices/{serial}/refresh", Method: "POST", Description: "Refresh a device now"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>iQua Softener Bridge</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>iQua Softener Bridge</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "iQua Softener Bridge\n")
		fmt.Fprintf(w, "====================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-8s %-32s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
