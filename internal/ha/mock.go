package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states      map[string]*State
	statesMu    sync.RWMutex
	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	connected   bool
	connMu      sync.RWMutex
	writes      []StateWrite
	writesMu    sync.Mutex
	setStateErr error
}

// StateWrite records a SetState call for testing
type StateWrite struct {
	EntityID   string
	State      string
	Attributes map[string]interface{}
	Time       time.Time
}

// mockSubscription implements Subscription interface for MockClient
type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.entityID, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		subscribers: make(map[string][]subscriberEntry),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

// SubscriberCount returns the number of live subscriptions for entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

func (m *MockClient) unsubscribe(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[entityID]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(m.subscribers[entityID]) == 0 {
				delete(m.subscribers, entityID)
			}
			break
		}
	}

	return nil
}

// SetState records the write and stores the state. Subscribers are not
// notified, matching a REST write made by the bridge itself.
func (m *MockClient) SetState(entityID, state string, attributes map[string]interface{}) error {
	m.writesMu.Lock()
	err := m.setStateErr
	if err == nil {
		m.writes = append(m.writes, StateWrite{
			EntityID:   entityID,
			State:      state,
			Attributes: attributes,
			Time:       time.Now(),
		})
	}
	m.writesMu.Unlock()

	if err != nil {
		return err
	}

	now := time.Now()
	m.statesMu.Lock()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.statesMu.Unlock()
	return nil
}

// FailSetState makes subsequent SetState calls return err. Pass nil to clear.
func (m *MockClient) FailSetState(err error) {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.setStateErr = err
}

// GetState returns the last state stored for entityID
func (m *MockClient) GetState(entityID string) (*State, bool) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	return state, ok
}

// Writes returns all recorded SetState calls
func (m *MockClient) Writes() []StateWrite {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()

	writes := make([]StateWrite, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// WritesFor returns the recorded SetState calls for one entity
func (m *MockClient) WritesFor(entityID string) []StateWrite {
	var writes []StateWrite
	for _, w := range m.Writes() {
		if w.EntityID == entityID {
			writes = append(writes, w)
		}
	}
	return writes
}

// ClearWrites clears the SetState history
func (m *MockClient) ClearWrites() {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.writes = nil
}

// SimulateStateChange simulates a state_changed event coming from Home Assistant
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  make(map[string]interface{}),
		LastChanged: now,
		LastUpdated: now,
	}

	if oldState != nil {
		newState.Attributes = oldState.Attributes
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
