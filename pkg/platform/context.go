package platform

import (
	"iquasoftener/internal/clock"
	"iquasoftener/internal/config"
	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/ha"

	"go.uber.org/zap"
)

// DeviceInfo describes the physical device all entities of an entry belong to
type DeviceInfo struct {
	Identifier      string `json:"identifier"`
	Manufacturer    string `json:"manufacturer"`
	Name            string `json:"name"`
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"sw_version,omitempty"`
}

// Context provides the dependencies of one device to its platforms
type Context struct {
	// Entry is the config entry being set up.
	Entry config.Entry

	// Device is the device registry record built from the first snapshot.
	Device DeviceInfo

	// Coordinator owns the snapshot; platforms subscribe with OnUpdate.
	Coordinator *coordinator.Coordinator

	// HAClient publishes entity states.
	HAClient ha.HAClient

	// Logger is already named for the device; platforms add their own name.
	Logger *zap.Logger

	// ReadOnly platforms log what they would write instead of writing.
	ReadOnly bool

	// Clock supplies "now" for value mapping.
	Clock clock.Clock
}
