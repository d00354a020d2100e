package sensor

import (
	"errors"
	"testing"
	"time"

	"iquasoftener/internal/iqua"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 {
	return &v
}

func testSnapshot(unit iqua.VolumeUnit) *iqua.Snapshot {
	return &iqua.Snapshot{
		State:                     iqua.StateOnline,
		DeviceTime:                time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC),
		DaysSinceLastRegeneration: 3,
		OutOfSaltEstimatedDays:    25,
		SaltLevelPercent:          floatPtr(76),
		TotalWaterAvailable:       3400,
		CurrentWaterFlow:          2.5,
		TodayUse:                  180,
		AverageDailyUse:           210,
		VolumeUnit:                unit,
	}
}

func TestMap_LastRegeneration(t *testing.T) {
	snapshot := testSnapshot(iqua.Gallons)
	now := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

	reading, err := Map(KeyDaysSinceLastRegeneration, snapshot, now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), reading.Value)
	assert.Empty(t, reading.Icon)
	assert.Empty(t, reading.Unit)
}

func TestMap_TimestampsTruncatedToMidnight(t *testing.T) {
	zone := time.FixedZone("UTC-5", -5*3600)
	snapshot := testSnapshot(iqua.Liters)
	snapshot.DeviceTime = time.Date(2024, 3, 1, 9, 0, 0, 0, zone)

	for _, hour := range []int{0, 1, 11, 12, 23} {
		for _, minute := range []int{0, 30, 59} {
			now := time.Date(2024, 3, 1, hour, minute, 47, 123, zone)

			for _, key := range []string{KeyDaysSinceLastRegeneration, KeyOutOfSaltEstimatedDays} {
				reading, err := Map(key, snapshot, now)
				require.NoError(t, err)

				ts, ok := reading.Value.(time.Time)
				require.True(t, ok)
				assert.Equal(t, 0, ts.Hour())
				assert.Equal(t, 0, ts.Minute())
				assert.Equal(t, 0, ts.Second())
				assert.Equal(t, 0, ts.Nanosecond())
				assert.Equal(t, zone, ts.Location())
			}
		}
	}
}

func TestMap_NowSeenInDeviceTimezone(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	snapshot := testSnapshot(iqua.Liters)
	snapshot.DeviceTime = time.Date(2024, 1, 10, 8, 0, 0, 0, zone)
	snapshot.DaysSinceLastRegeneration = 0

	// 20:00 UTC on the 10th is already the 11th in the device timezone
	now := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)

	reading, err := Map(KeyDaysSinceLastRegeneration, snapshot, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 11, 0, 0, 0, 0, zone), reading.Value)
}

func TestMap_OutOfSalt(t *testing.T) {
	snapshot := testSnapshot(iqua.Gallons)
	now := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

	reading, err := Map(KeyOutOfSaltEstimatedDays, snapshot, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC), reading.Value)
}

func TestMap_State(t *testing.T) {
	snapshot := testSnapshot(iqua.Gallons)
	snapshot.State = iqua.StateOffline

	reading, err := Map(KeyState, snapshot, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Offline", reading.Value)
	assert.Equal(t, "mdi:wifi", reading.Icon)
}

func TestMap_TodayConsumption(t *testing.T) {
	testCases := []struct {
		name     string
		unit     iqua.VolumeUnit
		todayUse float64
		expected float64
		unitStr  string
	}{
		{"liters to cubic meters", iqua.Liters, 1000, 1.0, "m³"},
		{"liters fractional", iqua.Liters, 180, 0.18, "m³"},
		{"gallons to cubic feet", iqua.Gallons, 100, 3.53146667, "ft³"},
		{"zero use", iqua.Gallons, 0, 0, "ft³"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			snapshot := testSnapshot(tc.unit)
			snapshot.TodayUse = tc.todayUse

			reading, err := Map(KeyTodayConsumption, snapshot, time.Now())
			require.NoError(t, err)
			assert.InDelta(t, tc.expected, reading.Value, 1e-9)
			assert.Equal(t, tc.unitStr, reading.Unit)
		})
	}
}

func TestSaltLevelIcon(t *testing.T) {
	testCases := []struct {
		name     string
		level    *float64
		expected string
	}{
		{"full", floatPtr(100), "mdi:signal-cellular-3"},
		{"just above 75", floatPtr(76), "mdi:signal-cellular-3"},
		{"exactly 75", floatPtr(75), "mdi:signal-cellular-2"},
		{"just above 50", floatPtr(50.5), "mdi:signal-cellular-2"},
		{"exactly 50", floatPtr(50), "mdi:signal-cellular-1"},
		{"exactly 25", floatPtr(25), "mdi:signal-cellular-outline"},
		{"just above 5", floatPtr(6), "mdi:signal-cellular-outline"},
		{"exactly 5", floatPtr(5), "mdi:signal-off"},
		{"empty", floatPtr(0), "mdi:signal-off"},
		{"absent", nil, "mdi:signal"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SaltLevelIcon(tc.level))

			snapshot := testSnapshot(iqua.Liters)
			snapshot.SaltLevelPercent = tc.level
			reading, err := Map(KeySaltLevelPercent, snapshot, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tc.expected, reading.Icon)
			assert.Equal(t, "%", reading.Unit)
			if tc.level == nil {
				assert.Nil(t, reading.Value)
			} else {
				assert.Equal(t, *tc.level, reading.Value)
			}
		})
	}
}

func TestMap_PassthroughUnits(t *testing.T) {
	testCases := []struct {
		key     string
		liters  string
		gallons string
	}{
		{KeyTotalWaterAvailable, "L", "gal"},
		{KeyTodayUse, "L", "gal"},
		{KeyAverageDailyUse, "L", "gal"},
		{KeyCurrentWaterFlow, "L/min", "gal/min"},
	}

	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			reading, err := Map(tc.key, testSnapshot(iqua.Liters), time.Now())
			require.NoError(t, err)
			assert.Equal(t, tc.liters, reading.Unit)

			reading, err = Map(tc.key, testSnapshot(iqua.Gallons), time.Now())
			require.NoError(t, err)
			assert.Equal(t, tc.gallons, reading.Unit)
		})
	}

	snapshot := testSnapshot(iqua.Liters)
	values := map[string]float64{
		KeyTotalWaterAvailable: 3400,
		KeyTodayUse:            180,
		KeyAverageDailyUse:     210,
		KeyCurrentWaterFlow:    2.5,
	}
	for key, expected := range values {
		reading, err := Map(key, snapshot, time.Now())
		require.NoError(t, err)
		assert.Equal(t, expected, reading.Value, key)
	}
}

func TestMap_NoSnapshotYet(t *testing.T) {
	for _, d := range AllDescriptors {
		reading, err := Map(d.Key, nil, time.Now())
		require.NoError(t, err, d.Key)
		assert.Nil(t, reading.Value, d.Key)
	}

	reading, _ := Map(KeySaltLevelPercent, nil, time.Now())
	assert.Equal(t, "mdi:signal", reading.Icon)
}

func TestMap_UnsupportedKey(t *testing.T) {
	_, err := Map("hardness_grains", testSnapshot(iqua.Liters), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedKey))
}

func TestMap_EveryDescriptorHasAccessor(t *testing.T) {
	for _, d := range AllDescriptors {
		_, ok := accessors[d.Key]
		assert.True(t, ok, d.Key)
	}
	assert.Len(t, accessors, len(AllDescriptors))
}

func TestMap_Idempotent(t *testing.T) {
	snapshot := testSnapshot(iqua.Gallons)
	now := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

	for _, d := range AllDescriptors {
		first, err := Map(d.Key, snapshot, now)
		require.NoError(t, err)
		second, err := Map(d.Key, snapshot, now)
		require.NoError(t, err)
		assert.Equal(t, first, second, d.Key)
	}
	assert.Equal(t, testSnapshot(iqua.Gallons), snapshot)
}

func TestLastReset(t *testing.T) {
	snapshot := testSnapshot(iqua.Liters)
	now := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

	reset, ok := LastReset(KeyTotalWaterAvailable, snapshot, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), reset)

	regen, _ := Map(KeyDaysSinceLastRegeneration, snapshot, now)
	assert.Equal(t, regen.Value, reset)

	_, ok = LastReset(KeyTodayUse, snapshot, now)
	assert.False(t, ok)

	_, ok = LastReset(KeyTotalWaterAvailable, nil, now)
	assert.False(t, ok)
}
