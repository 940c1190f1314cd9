// Package testutil provides testing utilities for the regresolve engine.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// InitPath and SearchPath are the endpoints the mock registry serves.
const (
	InitPath   = "/api/session/init"
	SearchPath = "/api/product/search"
)

// Row is one search-result row served by the mock registry.
type Row struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// MockRegistry is a configurable mock of the registry API for testing.
// It serves the session-initialization endpoint and a scripted search
// endpoint, and can inject transient failures per term.
type MockRegistry struct {
	server *httptest.Server

	mu       sync.Mutex
	rows     map[string][]Row
	failures map[string][]int
	signKey  string
	token    string

	// Tracking
	InitCount     int
	SearchCount   int
	SearchedTerms []string
	LastSignature string
	LastToken     string
}

// NewMockRegistry creates a started mock registry serving credentials
// and an empty search table.
func NewMockRegistry() *MockRegistry {
	mock := &MockRegistry{
		rows:     make(map[string][]Row),
		failures: make(map[string][]int),
		signKey:  "dGVzdC1zaWduaW5nLWtleQ==",
		token:    "test-session-token",
	}

	mux := http.NewServeMux()
	mux.HandleFunc(InitPath, mock.handleInit)
	mux.HandleFunc(SearchPath, mock.handleSearch)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server base URL.
func (m *MockRegistry) URL() string {
	return m.server.URL
}

// InitURL returns the full initialization endpoint URL.
func (m *MockRegistry) InitURL() string {
	return m.server.URL + InitPath
}

// Close shuts down the mock server.
func (m *MockRegistry) Close() {
	m.server.Close()
}

// SetRows scripts the search response for a term. Terms without rows
// respond with an empty result set.
func (m *MockRegistry) SetRows(term string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[term] = rows
}

// FailSearches queues n responses with the given status code for a
// term before it starts answering normally.
func (m *MockRegistry) FailSearches(term string, status int, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[term] = append(m.failures[term], status)
	}
}

// SetCredentials overrides the credentials served by the init endpoint.
// Empty values exercise the unsigned/unauthenticated degradation paths.
func (m *MockRegistry) SetCredentials(signKey, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signKey = signKey
	m.token = token
}

// Searches returns the terms searched so far, in order.
func (m *MockRegistry) Searches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.SearchedTerms))
	copy(out, m.SearchedTerms)
	return out
}

func (m *MockRegistry) handleInit(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.InitCount++
	signKey, token := m.signKey, m.token
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"sign_key": signKey,
		"token":    token,
	})
}

func (m *MockRegistry) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.SearchCount++
	m.SearchedTerms = append(m.SearchedTerms, req.Name)
	m.LastSignature = r.Header.Get("X-Signature")
	m.LastToken = ""
	if c, err := r.Cookie("session"); err == nil {
		m.LastToken = c.Value
	}

	// Scripted transient failures drain first.
	if queue := m.failures[req.Name]; len(queue) > 0 {
		status := queue[0]
		m.failures[req.Name] = queue[1:]
		m.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}

	rows := m.rows[req.Name]
	m.mu.Unlock()

	if rows == nil {
		rows = []Row{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]Row{"rows": rows})
}
