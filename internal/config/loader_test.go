package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newTestStore(t *testing.T) (*Store, string) {
	path := filepath.Join(t.TempDir(), "config", "entries.yaml")
	logger, _ := zap.NewDevelopment()
	return NewStore(path, logger), path
}

func testEntry(serial string) Entry {
	return Entry{
		Title:    "IQua " + serial,
		UniqueID: "iqua_softener_" + serial,
		Data: EntryData{
			Username:     "user@example.com",
			Password:     "secret",
			DeviceSerial: serial,
		},
		Options: EntryOptions{UpdateInterval: DefaultUpdateInterval},
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Load())
	assert.Empty(t, store.Entries())
}

func TestStore_AddPersists(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Load())

	added, err := store.Add(testEntry("SN123"))
	require.NoError(t, err)
	_, err = uuid.Parse(added.ID)
	assert.NoError(t, err)

	reloaded := NewStore(path, zap.NewNop())
	require.NoError(t, reloaded.Load())

	entries := reloaded.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, added, entries[0])
}

func TestStore_AddDuplicateUniqueID(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Add(testEntry("SN123"))
	require.NoError(t, err)

	_, err = store.Add(testEntry("SN123"))
	assert.ErrorIs(t, err, ErrAlreadyConfigured)
	assert.Len(t, store.Entries(), 1)
}

func TestStore_MigratesIntervalFromData(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	legacy := `entries:
  - id: 6f1c2b7e-0d3a-4a53-9a40-1f0e2d3c4b5a
    title: IQua SN123
    unique_id: iqua_softener_SN123
    data:
      username: user@example.com
      password: secret
      device_sn: SN123
      update_interval: 1800
  - id: 0b8a4d8e-5c4b-4f8e-8d7e-2a1b3c4d5e6f
    title: IQua SN456
    unique_id: iqua_softener_SN456
    data:
      username: user@example.com
      password: secret
      device_sn: SN456
      update_interval: 1800
    options:
      update_interval: 1200
`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))
	require.NoError(t, store.Load())

	entries := store.Entries()
	require.Len(t, entries, 2)

	assert.Equal(t, 1800, entries[0].Options.UpdateInterval)
	assert.Nil(t, entries[0].Data.UpdateInterval)

	// existing options win
	assert.Equal(t, 1200, entries[1].Options.UpdateInterval)
	assert.Nil(t, entries[1].Data.UpdateInterval)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var file struct {
		Entries []struct {
			Data map[string]interface{} `yaml:"data"`
		} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &file))
	for _, e := range file.Entries {
		assert.NotContains(t, e.Data, "update_interval")
	}
}

func TestStore_UpdateOptionsCallsHooks(t *testing.T) {
	store, _ := newTestStore(t)
	added, err := store.Add(testEntry("SN123"))
	require.NoError(t, err)

	var seen []Entry
	store.OnUpdate(func(e Entry) { seen = append(seen, e) })

	updated, err := store.UpdateOptions(added.ID, EntryOptions{UpdateInterval: 1800})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, updated.Interval())

	require.Len(t, seen, 1)
	assert.Equal(t, updated, seen[0])

	_, err = store.UpdateOptions("missing", EntryOptions{})
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.Len(t, seen, 1)
}

func TestStore_Remove(t *testing.T) {
	store, path := newTestStore(t)
	first, err := store.Add(testEntry("SN1"))
	require.NoError(t, err)
	second, err := store.Add(testEntry("SN2"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(first.ID))
	assert.ErrorIs(t, store.Remove(first.ID), ErrEntryNotFound)

	_, err = store.Get(first.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	reloaded := NewStore(path, zap.NewNop())
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Entries(), 1)
	assert.Equal(t, second.ID, reloaded.Entries()[0].ID)
}

func TestStore_FindByUniqueID(t *testing.T) {
	store, _ := newTestStore(t)
	added, err := store.Add(testEntry("SN123"))
	require.NoError(t, err)

	found, ok := store.FindByUniqueID("iqua_softener_SN123")
	require.True(t, ok)
	assert.Equal(t, added.ID, found.ID)

	_, ok = store.FindByUniqueID("iqua_softener_other")
	assert.False(t, ok)
}

func TestStore_LoadInvalidYAML(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("entries: [\n"), 0o600))

	err := store.Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse entries file")
}

func TestClampInterval(t *testing.T) {
	testCases := []struct {
		name     string
		input    int
		expected int
	}{
		{"unset uses default", 0, 900},
		{"below minimum", 5, 900},
		{"minimum", 900, 900},
		{"in range", 1800, 1800},
		{"maximum", 3600, 3600},
		{"above maximum", 7200, 3600},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ClampInterval(tc.input))
		})
	}

	assert.False(t, IntervalInRange(899))
	assert.True(t, IntervalInRange(900))
	assert.True(t, IntervalInRange(3600))
	assert.False(t, IntervalInRange(3601))
}
