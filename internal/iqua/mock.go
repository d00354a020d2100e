package iqua

import (
	"context"
	"errors"
	"sync"
)

// MockResult is one scripted FetchData outcome
type MockResult struct {
	Snapshot *Snapshot
	Err      error
}

// MockClient implements Fetcher for testing
type MockClient struct {
	mu      sync.Mutex
	results []MockResult
	last    MockResult
	calls   int
	block   chan struct{}
}

// NewMockClient creates a mock that returns the given results in order.
// Once the script is exhausted the last result repeats.
func NewMockClient(results ...MockResult) *MockClient {
	return &MockClient{results: results}
}

// FetchData returns the next scripted result
func (m *MockClient) FetchData(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &Error{Op: "dashboard", Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.results) > 0 {
		m.last = m.results[0]
		m.results = m.results[1:]
	}
	if m.last.Snapshot == nil && m.last.Err == nil {
		return nil, &Error{Op: "dashboard", Err: errors.New("no scripted result")}
	}
	return m.last.Snapshot, m.last.Err
}

// Push appends results to the script
func (m *MockClient) Push(results ...MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, results...)
}

// Block makes FetchData wait until the returned release func is called
func (m *MockClient) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the number of completed FetchData calls
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
