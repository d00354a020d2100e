package sensor

// DeviceClass mirrors the Home Assistant sensor device classes used here
type DeviceClass string

const (
	DeviceClassNone      DeviceClass = ""
	DeviceClassTimestamp DeviceClass = "timestamp"
	DeviceClassWater     DeviceClass = "water"
)

// StateClass mirrors the Home Assistant sensor state classes used here
type StateClass string

const (
	StateClassNone            StateClass = ""
	StateClassMeasurement     StateClass = "measurement"
	StateClassTotal           StateClass = "total"
	StateClassTotalIncreasing StateClass = "total_increasing"
)

// UnitRule selects how the unit of measurement is derived
type UnitRule int

const (
	UnitNone UnitRule = iota
	UnitPercent
	UnitVolume      // L or gal
	UnitFlow        // L/min or gal/min
	UnitConsumption // m³ or ft³
)

// Sensor keys
const (
	KeyState                     = "state"
	KeyDaysSinceLastRegeneration = "days_since_last_regeneration"
	KeyOutOfSaltEstimatedDays    = "out_of_salt_estimated_days"
	KeySaltLevelPercent          = "salt_level_percent"
	KeyTotalWaterAvailable       = "total_water_available"
	KeyCurrentWaterFlow          = "current_water_flow"
	KeyTodayUse                  = "today_use"
	KeyTodayConsumption          = "today_consumption"
	KeyAverageDailyUse           = "average_daily_use"
)

// Descriptor is the static definition of one published sensor
type Descriptor struct {
	Key         string
	Name        string
	Icon        string // empty when the icon is derived or left to the host
	DeviceClass DeviceClass
	StateClass  StateClass
	Unit        UnitRule
}

// AllDescriptors lists every sensor published per device, in publish order
var AllDescriptors = []Descriptor{
	{Key: KeyState, Name: "Status", Icon: "mdi:wifi", StateClass: StateClassMeasurement},
	{Key: KeyDaysSinceLastRegeneration, Name: "Last regeneration", DeviceClass: DeviceClassTimestamp},
	{Key: KeyOutOfSaltEstimatedDays, Name: "Out of salt estimated day", DeviceClass: DeviceClassTimestamp},
	{Key: KeySaltLevelPercent, Name: "Salt Level", Icon: "mdi:water-minus", StateClass: StateClassMeasurement, Unit: UnitPercent},
	{Key: KeyTotalWaterAvailable, Name: "Available water", Icon: "mdi:water", DeviceClass: DeviceClassWater, StateClass: StateClassTotal, Unit: UnitVolume},
	{Key: KeyCurrentWaterFlow, Name: "Current Water Flow", Icon: "mdi:water-pump", StateClass: StateClassMeasurement, Unit: UnitFlow},
	{Key: KeyTodayUse, Name: "Today water usage", Icon: "mdi:water-minus", DeviceClass: DeviceClassWater, StateClass: StateClassTotalIncreasing, Unit: UnitVolume},
	{Key: KeyTodayConsumption, Name: "Today water consumption", DeviceClass: DeviceClassWater, StateClass: StateClassTotalIncreasing, Unit: UnitConsumption},
	{Key: KeyAverageDailyUse, Name: "Water usage daily average", Icon: "mdi:waves", StateClass: StateClassMeasurement, Unit: UnitVolume},
}

// DescriptorsByKey indexes AllDescriptors by key
func DescriptorsByKey() map[string]Descriptor {
	descriptors := make(map[string]Descriptor, len(AllDescriptors))
	for _, d := range AllDescriptors {
		descriptors[d.Key] = d
	}
	return descriptors
}
