package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Update interval bounds in seconds
const (
	DefaultUpdateInterval = 900
	MinUpdateInterval     = 900
	MaxUpdateInterval     = 3600
)

var (
	// ErrEntryNotFound is returned for an unknown entry id
	ErrEntryNotFound = errors.New("config entry not found")
	// ErrAlreadyConfigured is returned when an entry with the same unique id exists
	ErrAlreadyConfigured = errors.New("already configured")
)

// EntryData holds the credentials and device identity of an entry
type EntryData struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	DeviceSerial string `yaml:"device_sn"`

	// Older files kept the interval here; Load moves it into Options.
	UpdateInterval *int `yaml:"update_interval,omitempty"`
}

// EntryOptions holds the user-editable settings of an entry
type EntryOptions struct {
	UpdateInterval int `yaml:"update_interval,omitempty"`
}

// Entry is one configured device
type Entry struct {
	ID       string       `yaml:"id"`
	Title    string       `yaml:"title"`
	UniqueID string       `yaml:"unique_id"`
	Data     EntryData    `yaml:"data"`
	Options  EntryOptions `yaml:"options"`
}

// Interval returns the clamped refresh interval of the entry
func (e Entry) Interval() time.Duration {
	return time.Duration(ClampInterval(e.Options.UpdateInterval)) * time.Second
}

// ClampInterval maps seconds into [MinUpdateInterval, MaxUpdateInterval].
// Zero means unset and yields the default.
func ClampInterval(seconds int) int {
	switch {
	case seconds == 0:
		return DefaultUpdateInterval
	case seconds < MinUpdateInterval:
		return MinUpdateInterval
	case seconds > MaxUpdateInterval:
		return MaxUpdateInterval
	default:
		return seconds
	}
}

// IntervalInRange reports whether seconds is an acceptable user input
func IntervalInRange(seconds int) bool {
	return seconds >= MinUpdateInterval && seconds <= MaxUpdateInterval
}

// UpdateHook is called after an entry's options change
type UpdateHook func(entry Entry)

type entriesFile struct {
	Entries []Entry `yaml:"entries"`
}

// Store manages the entries file
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries []Entry
	hooks   []UpdateHook
}

// NewStore creates a store backed by path
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.Named("config"),
	}
}

// Load reads the entries file. A missing file is an empty store. Legacy
// intervals stored in entry data are migrated into options and the file
// is rewritten.
func (s *Store) Load() error {
	s.logger.Info("Loading config entries", zap.String("path", s.path))

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.entries = nil
		s.mu.Unlock()
		s.logger.Info("No entries file yet, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read entries file: %w", err)
	}

	var file entriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse entries file: %w", err)
	}

	migrated := false
	for i := range file.Entries {
		if migrateOptions(&file.Entries[i]) {
			migrated = true
			s.logger.Info("Moved update interval into options",
				zap.String("entry_id", file.Entries[i].ID))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = file.Entries

	if migrated {
		if err := s.saveLocked(); err != nil {
			return err
		}
	}

	s.logger.Info("Config entries loaded", zap.Int("entries", len(s.entries)))
	return nil
}

// migrateOptions moves data.update_interval into options when options lack it
func migrateOptions(e *Entry) bool {
	if e.Data.UpdateInterval == nil {
		return false
	}
	if e.Options.UpdateInterval == 0 {
		e.Options.UpdateInterval = *e.Data.UpdateInterval
	}
	e.Data.UpdateInterval = nil
	return true
}

// Entries returns a copy of all entries
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return entries
}

// Get returns the entry with id
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return s.entries[i], nil
}

// FindByUniqueID returns the entry with the given unique id
func (s *Store) FindByUniqueID(uniqueID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.UniqueID == uniqueID {
			return e, true
		}
	}
	return Entry{}, false
}

// Add stores a new entry with a fresh id
func (s *Store) Add(entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.UniqueID == entry.UniqueID {
			return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, entry.UniqueID)
		}
	}

	entry.ID = uuid.NewString()
	s.entries = append(s.entries, entry)
	if err := s.saveLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return Entry{}, err
	}

	s.logger.Info("Config entry added",
		zap.String("entry_id", entry.ID),
		zap.String("unique_id", entry.UniqueID))
	return entry, nil
}

// UpdateOptions replaces the options of an entry, persists them and calls
// the update hooks
func (s *Store) UpdateOptions(id string, options EntryOptions) (Entry, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	prev := s.entries[i].Options
	s.entries[i].Options = options
	if err := s.saveLocked(); err != nil {
		s.entries[i].Options = prev
		s.mu.Unlock()
		return Entry{}, err
	}

	entry := s.entries[i]
	hooks := append([]UpdateHook(nil), s.hooks...)
	s.mu.Unlock()

	s.logger.Info("Config entry options updated",
		zap.String("entry_id", id),
		zap.Int("update_interval", options.UpdateInterval))

	for _, hook := range hooks {
		hook(entry)
	}
	return entry, nil
}

// Remove deletes an entry
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	removed := s.entries[i]
	s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
	if err := s.saveLocked(); err != nil {
		s.entries = append(s.entries[:i:i], append([]Entry{removed}, s.entries[i:]...)...)
		return err
	}

	s.logger.Info("Config entry removed", zap.String("entry_id", id))
	return nil
}

// OnUpdate registers a hook called after UpdateOptions
func (s *Store) OnUpdate(hook UpdateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) indexLocked(id string) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// saveLocked writes the entries through a temp file so a crash never
// leaves a truncated file behind
func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(entriesFile{Entries: s.entries})
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create entries directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace entries file: %w", err)
	}
	return nil
}
