// Package entity publishes one Home Assistant sensor per descriptor for every
// configured softener and rewrites them after each coordinator update.
package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"iquasoftener/internal/coordinator"
	"iquasoftener/internal/sensor"
	"iquasoftener/pkg/platform"
)

// Attribution is attached to every published sensor
const Attribution = "Data delivered by Ecowater"

const (
	namePrefix       = "Iqua_softener"
	stateUnknown     = "unknown"
	stateUnavailable = "unavailable"
)

// Sensor is one published entity
type Sensor struct {
	desc     sensor.Descriptor
	uniqueID string
	entityID string
	name     string
	device   platform.DeviceInfo
}

// NewSensor builds the entity for descriptor d of the entry with entryUniqueID
func NewSensor(d sensor.Descriptor, entryUniqueID string, device platform.DeviceInfo) *Sensor {
	uniqueID := fmt.Sprintf("%s_%s", entryUniqueID, d.Key)
	return &Sensor{
		desc:     d,
		uniqueID: uniqueID,
		entityID: EntityID(uniqueID),
		name:     fmt.Sprintf("%s %s", namePrefix, d.Name),
		device:   device,
	}
}

// EntityID returns the sensor entity id for a unique id. Home Assistant
// entity ids are lower case.
func EntityID(uniqueID string) string {
	return "sensor." + strings.ToLower(uniqueID)
}

// UniqueID returns the entity unique id
func (s *Sensor) UniqueID() string { return s.uniqueID }

// EntityID returns the Home Assistant entity id
func (s *Sensor) EntityID() string { return s.entityID }

// Name returns the display name
func (s *Sensor) Name() string { return s.name }

// Key returns the descriptor key
func (s *Sensor) Key() string { return s.desc.Key }

// Render maps the result into the state string and attributes to publish
func (s *Sensor) Render(result coordinator.Result, now time.Time) (string, map[string]interface{}, error) {
	reading, err := sensor.Map(s.desc.Key, result.Snapshot, now)
	if err != nil {
		return "", nil, err
	}

	attrs := map[string]interface{}{
		"friendly_name":       s.name,
		"unique_id":           s.uniqueID,
		"attribution":         Attribution,
		"last_update_success": result.Success(),
		"device":              deviceAttributes(s.device),
	}
	if reading.Icon != "" {
		attrs["icon"] = reading.Icon
	}
	if reading.Unit != "" {
		attrs["unit_of_measurement"] = reading.Unit
	}
	if s.desc.DeviceClass != sensor.DeviceClassNone {
		attrs["device_class"] = string(s.desc.DeviceClass)
	}
	if s.desc.StateClass != sensor.StateClassNone {
		attrs["state_class"] = string(s.desc.StateClass)
	}
	if reset, ok := sensor.LastReset(s.desc.Key, result.Snapshot, now); ok {
		attrs["last_reset"] = reset.Format(time.RFC3339)
	}
	if !result.LastSuccess.IsZero() {
		attrs["last_success"] = result.LastSuccess.Format(time.RFC3339)
	}

	return FormatState(reading.Value), attrs, nil
}

// FormatState renders a reading value as a Home Assistant state string
func FormatState(value any) string {
	switch v := value.(type) {
	case nil:
		return stateUnknown
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func deviceAttributes(d platform.DeviceInfo) map[string]interface{} {
	attrs := map[string]interface{}{
		"identifiers":  d.Identifier,
		"manufacturer": d.Manufacturer,
		"name":         d.Name,
	}
	if d.Model != "" {
		attrs["model"] = d.Model
	}
	if d.SoftwareVersion != "" {
		attrs["sw_version"] = d.SoftwareVersion
	}
	return attrs
}
