// Package testutil provides a mock Home Assistant server, a mock iQua cloud
// and a harness wiring the real bridge against both for integration tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHAServer simulates the Home Assistant WebSocket and REST state APIs
type MockHAServer struct {
	server      *httptest.Server
	states      map[string]*EntityState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	eventDelay  time.Duration // Simulates network latency
	token       string
	writes      []StateWrite // REST writes, for verification
	writesMu    sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// StateWrite records one POST /api/states/{entity_id}
type StateWrite struct {
	Timestamp  time.Time
	EntityID   string
	State      string
	Attributes map[string]interface{}
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

type setStateBody struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

// NewMockHAServer creates a new mock HA server accepting token
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		states:      make(map[string]*EntityState),
		connections: make([]*connWrapper, 0),
		eventDelay:  10 * time.Millisecond,
		token:       token,
	}
}

// SetEventDelay sets the delay for broadcasting events
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start starts the mock server on a free local port
func (s *MockHAServer) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/api/websocket", s.handleWebSocket)
	r.HandleFunc("/api/states/{entity_id}", s.handleSetState).Methods(http.MethodPost)

	s.server = httptest.NewServer(r)
	return nil
}

// URL returns the WebSocket URL clients connect to
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
	return nil
}

// SetState sets a state from the Home Assistant side and broadcasts the change
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	oldState, newState := s.store(entityID, state, attributes)

	// Broadcast state_changed event with delay
	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

func (s *MockHAServer) store(entityID, state string, attributes map[string]interface{}) (*EntityState, *EntityState) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	oldState := s.states[entityID]
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if oldState != nil && oldState.State == state {
		newState.LastChanged = oldState.LastChanged
	}
	s.states[entityID] = newState
	return oldState, newState
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// Writes returns all REST state writes since the last clear
func (s *MockHAServer) Writes() []StateWrite {
	s.writesMu.Lock()
	defer s.writesMu.Unlock()
	writes := make([]StateWrite, len(s.writes))
	copy(writes, s.writes)
	return writes
}

// WritesFor returns the REST state writes of one entity
func (s *MockHAServer) WritesFor(entityID string) []StateWrite {
	var filtered []StateWrite
	for _, w := range s.Writes() {
		if w.EntityID == entityID {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// ClearWrites resets the write log
func (s *MockHAServer) ClearWrites() {
	s.writesMu.Lock()
	defer s.writesMu.Unlock()
	s.writes = nil
}

// handleSetState handles POST /api/states/{entity_id}
func (s *MockHAServer) handleSetState(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body setStateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	entityID := mux.Vars(r)["entity_id"]

	s.writesMu.Lock()
	s.writes = append(s.writes, StateWrite{
		Timestamp:  time.Now(),
		EntityID:   entityID,
		State:      body.State,
		Attributes: body.Attributes,
	})
	s.writesMu.Unlock()

	oldState, newState := s.store(entityID, body.State, body.Attributes)

	status := http.StatusOK
	if oldState == nil {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(newState)

	s.broadcastStateChange(entityID, oldState, newState)
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	// Send auth_required
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_required"})
	wrapper.writeMu.Unlock()

	// Receive auth
	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	// Validate token
	if authMsg.AccessToken != s.token {
		wrapper.writeMu.Lock()
		conn.WriteJSON(Message{Type: "auth_invalid"})
		wrapper.writeMu.Unlock()
		return
	}

	// Send auth_ok
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_ok"})
	wrapper.writeMu.Unlock()

	// Handle messages
	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		if baseMsg.Type == "subscribe_events" {
			s.handleSubscribeEvents(wrapper, msg)
		}
	}
}

// handleSubscribeEvents handles event subscriptions
func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, msg json.RawMessage) {
	var req SubscribeEventsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
	})
	wrapper.writeMu.Unlock()
}

// broadcastStateChange broadcasts a state change event to all connections
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventData := StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	}

	eventDataJSON, _ := json.Marshal(eventData)

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      eventDataJSON,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}
}
