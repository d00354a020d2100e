// Package sensor turns a device snapshot into the displayed value, unit and
// icon of each published sensor. Everything here is a pure function of the
// descriptor key, the snapshot and the supplied current time.
package sensor

import (
	"errors"
	"fmt"
	"time"

	"iquasoftener/internal/iqua"
)

// ErrUnsupportedKey is returned for keys without an explicit conversion rule
var ErrUnsupportedKey = errors.New("unsupported sensor key")

const (
	litersToCubicMeters  = 0.001
	gallonsToCubicFeet   = 0.0353146667
	unitPercent          = "%"
	unitLiters           = "L"
	unitGallons          = "gal"
	unitLitersPerMinute  = "L/min"
	unitGallonsPerMinute = "gal/min"
	unitCubicMeters      = "m³"
	unitCubicFeet        = "ft³"
	iconSaltAbsent       = "mdi:signal"
	iconSaltOff          = "mdi:signal-off"
	iconSaltOutline      = "mdi:signal-cellular-outline"
	iconSaltOneBar       = "mdi:signal-cellular-1"
	iconSaltTwoBars      = "mdi:signal-cellular-2"
	iconSaltThreeBars    = "mdi:signal-cellular-3"
)

// Reading is the displayed form of one sensor
type Reading struct {
	Value any // string, float64, time.Time or nil when absent
	Unit  string
	Icon  string
}

type accessor func(s *iqua.Snapshot, now time.Time) any

var accessors = map[string]accessor{
	KeyState: func(s *iqua.Snapshot, _ time.Time) any {
		return string(s.State)
	},
	KeyDaysSinceLastRegeneration: func(s *iqua.Snapshot, now time.Time) any {
		return daysFromNow(s, now, -s.DaysSinceLastRegeneration)
	},
	KeyOutOfSaltEstimatedDays: func(s *iqua.Snapshot, now time.Time) any {
		return daysFromNow(s, now, s.OutOfSaltEstimatedDays)
	},
	KeySaltLevelPercent: func(s *iqua.Snapshot, _ time.Time) any {
		if s.SaltLevelPercent == nil {
			return nil
		}
		return *s.SaltLevelPercent
	},
	KeyTotalWaterAvailable: func(s *iqua.Snapshot, _ time.Time) any {
		return s.TotalWaterAvailable
	},
	KeyCurrentWaterFlow: func(s *iqua.Snapshot, _ time.Time) any {
		return s.CurrentWaterFlow
	},
	KeyTodayUse: func(s *iqua.Snapshot, _ time.Time) any {
		return s.TodayUse
	},
	KeyTodayConsumption: func(s *iqua.Snapshot, _ time.Time) any {
		return TodayConsumption(s)
	},
	KeyAverageDailyUse: func(s *iqua.Snapshot, _ time.Time) any {
		return s.AverageDailyUse
	},
}

var descriptorsByKey = DescriptorsByKey()

// Map computes the reading for key from snapshot. A nil snapshot (nothing
// fetched yet) yields an absent value.
func Map(key string, snapshot *iqua.Snapshot, now time.Time) (Reading, error) {
	d, ok := descriptorsByKey[key]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnsupportedKey, key)
	}
	get, ok := accessors[key]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnsupportedKey, key)
	}

	reading := Reading{
		Unit: Unit(d, snapshot),
		Icon: Icon(d, snapshot),
	}
	if snapshot != nil {
		reading.Value = get(snapshot, now)
	}
	return reading, nil
}

// LastReset returns the point since which an accumulating total counts.
// Only total_water_available has one.
func LastReset(key string, snapshot *iqua.Snapshot, now time.Time) (time.Time, bool) {
	if key != KeyTotalWaterAvailable || snapshot == nil {
		return time.Time{}, false
	}
	return daysFromNow(snapshot, now, -snapshot.DaysSinceLastRegeneration), true
}

// TodayConsumption converts today's use to m³ (liters) or ft³ (gallons)
func TodayConsumption(s *iqua.Snapshot) float64 {
	if s.VolumeUnit == iqua.Liters {
		return s.TodayUse * litersToCubicMeters
	}
	return s.TodayUse * gallonsToCubicFeet
}

// SaltLevelIcon picks the signal icon for a salt level. Thresholds are
// strict so 75, 50, 25 and 5 fall to the lower tier.
func SaltLevelIcon(level *float64) string {
	if level == nil {
		return iconSaltAbsent
	}

	switch v := *level; {
	case v > 75:
		return iconSaltThreeBars
	case v > 50:
		return iconSaltTwoBars
	case v > 25:
		return iconSaltOneBar
	case v > 5:
		return iconSaltOutline
	default:
		return iconSaltOff
	}
}

// Icon returns the icon for d given the snapshot
func Icon(d Descriptor, snapshot *iqua.Snapshot) string {
	if d.Key == KeySaltLevelPercent {
		if snapshot == nil {
			return SaltLevelIcon(nil)
		}
		return SaltLevelIcon(snapshot.SaltLevelPercent)
	}
	return d.Icon
}

// Unit returns the unit of measurement for d. Volume based units need a
// snapshot to know the configured measurement system.
func Unit(d Descriptor, snapshot *iqua.Snapshot) string {
	if d.Unit == UnitPercent {
		return unitPercent
	}
	if snapshot == nil {
		return ""
	}

	liters := snapshot.VolumeUnit == iqua.Liters
	switch d.Unit {
	case UnitVolume:
		if liters {
			return unitLiters
		}
		return unitGallons
	case UnitFlow:
		if liters {
			return unitLitersPerMinute
		}
		return unitGallonsPerMinute
	case UnitConsumption:
		if liters {
			return unitCubicMeters
		}
		return unitCubicFeet
	default:
		return ""
	}
}

// daysFromNow shifts now, seen in the device timezone, by days and
// truncates to midnight
func daysFromNow(s *iqua.Snapshot, now time.Time, days int) time.Time {
	local := now.In(s.Location()).AddDate(0, 0, days)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, local.Location())
}
