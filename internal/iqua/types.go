package iqua

import (
	"fmt"
	"time"
)

// VolumeUnit is the measurement system configured on the softener
type VolumeUnit int

const (
	Gallons VolumeUnit = 0
	Liters  VolumeUnit = 1
)

func (u VolumeUnit) String() string {
	switch u {
	case Gallons:
		return "gallons"
	case Liters:
		return "liters"
	default:
		return fmt.Sprintf("unknown(%d)", int(u))
	}
}

// State is the operating state reported by the cloud
type State string

const (
	StateOnline  State = "Online"
	StateOffline State = "Offline"
)

// Snapshot is one immutable fetch result from the cloud dashboard endpoint.
// A new Snapshot is built on every successful fetch; callers must not modify it.
type Snapshot struct {
	State                     State
	DeviceTime                time.Time // device-local time, carries the device timezone
	DaysSinceLastRegeneration int
	OutOfSaltEstimatedDays    int
	SaltLevelPercent          *float64 // nil when the device does not report a level
	TotalWaterAvailable       float64
	CurrentWaterFlow          float64
	TodayUse                  float64
	AverageDailyUse           float64
	VolumeUnit                VolumeUnit
	Model                     string
	SoftwareVersion           string
	FetchedAt                 time.Time
}

// Location returns the device timezone, falling back to UTC
func (s *Snapshot) Location() *time.Location {
	if s.DeviceTime.IsZero() || s.DeviceTime.Location() == nil {
		return time.UTC
	}
	return s.DeviceTime.Location()
}

// Error is returned for every failure talking to the cloud API.
// Authentication, transport and decoding problems are not distinguished.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("iqua %s failed", e.Op)
	}
	return fmt.Sprintf("iqua %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// property is the {"value": ...} envelope used by the dashboard payload
type property[T any] struct {
	Value T `json:"value"`
}

type envelope[T any] struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signInData struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type dashboardData struct {
	Power                  property[string]   `json:"power"`
	DeviceDate             property[string]   `json:"device_date"`
	ModelDescription       property[string]   `json:"model_description"`
	ModelID                property[string]   `json:"model_id"`
	SoftwareVersion        property[string]   `json:"base_software_version"`
	VolumeUnit             property[int]      `json:"volume_unit_enum"`
	CurrentWaterFlow       property[float64]  `json:"current_water_flow_gpm"`
	TodayUse               property[float64]  `json:"gallons_used_today"`
	AverageDailyUse        property[float64]  `json:"avg_daily_use_gals"`
	TotalWaterAvailable    property[float64]  `json:"treated_water_avail_gals"`
	DaysSinceLastRegen     property[int]      `json:"days_since_last_regen"`
	OutOfSaltEstimatedDays property[int]      `json:"out_of_salt_estimate_days"`
	SaltLevelPercent       property[*float64] `json:"salt_level_percent"`
}
