package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
)

// Dashboard is the device data served for one serial number
type Dashboard struct {
	Power                  string
	DeviceDate             string
	ModelDescription       string
	ModelID                string
	SoftwareVersion        string
	VolumeUnit             int // 0 gallons, 1 liters
	CurrentWaterFlow       float64
	TodayUse               float64
	AverageDailyUse        float64
	TotalWaterAvailable    float64
	DaysSinceLastRegen     int
	OutOfSaltEstimatedDays int
	SaltLevelPercent       *float64
}

// DefaultDashboard returns an online liter based device
func DefaultDashboard() Dashboard {
	salt := 80.0
	return Dashboard{
		Power:                  "Online",
		DeviceDate:             "2024-01-10T15:00:00+01:00",
		ModelDescription:       "iQua 31",
		ModelID:                "EWS-31",
		SoftwareVersion:        "R1.34",
		VolumeUnit:             1,
		CurrentWaterFlow:       2.5,
		TodayUse:               180,
		AverageDailyUse:        210,
		TotalWaterAvailable:    3400,
		DaysSinceLastRegen:     3,
		OutOfSaltEstimatedDays: 42,
		SaltLevelPercent:       &salt,
	}
}

type value[T any] struct {
	Value T `json:"value"`
}

func (d Dashboard) payload() map[string]interface{} {
	return map[string]interface{}{
		"power":                     value[string]{d.Power},
		"device_date":               value[string]{d.DeviceDate},
		"model_description":         value[string]{d.ModelDescription},
		"model_id":                  value[string]{d.ModelID},
		"base_software_version":     value[string]{d.SoftwareVersion},
		"volume_unit_enum":          value[int]{d.VolumeUnit},
		"current_water_flow_gpm":    value[float64]{d.CurrentWaterFlow},
		"gallons_used_today":        value[float64]{d.TodayUse},
		"avg_daily_use_gals":        value[float64]{d.AverageDailyUse},
		"treated_water_avail_gals":  value[float64]{d.TotalWaterAvailable},
		"days_since_last_regen":     value[int]{d.DaysSinceLastRegen},
		"out_of_salt_estimate_days": value[int]{d.OutOfSaltEstimatedDays},
		"salt_level_percent":        value[*float64]{d.SaltLevelPercent},
	}
}

// MockIquaServer simulates the iQua cloud API for any number of devices
type MockIquaServer struct {
	server   *httptest.Server
	username string
	password string

	mu         sync.Mutex
	dashboards map[string]Dashboard
	failures   map[string]int // serial -> HTTP status to answer with
	fetches    map[string]int
	signIns    int
}

// NewMockIquaServer creates a cloud accepting one account
func NewMockIquaServer(username, password string) *MockIquaServer {
	return &MockIquaServer{
		username:   username,
		password:   password,
		dashboards: make(map[string]Dashboard),
		failures:   make(map[string]int),
		fetches:    make(map[string]int),
	}
}

// Start starts the mock cloud on a free local port
func (s *MockIquaServer) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/system/{serial}/dashboard", s.handleDashboard).Methods(http.MethodGet)

	s.server = httptest.NewServer(r)
	return nil
}

// URL returns the API base URL
func (s *MockIquaServer) URL() string {
	return s.server.URL
}

// Stop stops the mock cloud
func (s *MockIquaServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

// SetDashboard sets the data served for serial and clears any failure
func (s *MockIquaServer) SetDashboard(serial string, d Dashboard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboards[serial] = d
	delete(s.failures, serial)
}

// Fail makes dashboard calls for serial answer with status
func (s *MockIquaServer) Fail(serial string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[serial] = status
}

// Fetches returns how many dashboard calls serial received
func (s *MockIquaServer) Fetches(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[serial]
}

// SignIns returns the number of sign-in calls
func (s *MockIquaServer) SignIns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signIns
}

func (s *MockIquaServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.signIns++
	s.mu.Unlock()

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if req.Username != s.username || req.Password != s.password {
		json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": "bad credentials"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": "OK",
		"data": map[string]interface{}{"access_token": "mock-token", "expires_in": 3600},
	})
}

func (s *MockIquaServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer mock-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	serial := mux.Vars(r)["serial"]

	s.mu.Lock()
	s.fetches[serial]++
	status, failing := s.failures[serial]
	d, known := s.dashboards[serial]
	s.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		return
	}
	if !known {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": "OK",
		"data": d.payload(),
	})
}
