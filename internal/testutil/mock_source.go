package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/Sternrassler/pagesync/pkg/index"
)

// BodyPrefix is the guard the mock server writes before its JSON body.
const BodyPrefix = "while(1);/**/"

// MockSource is a configurable HTTP paginated source for testing.
// Pages are served at /items?page=N.
type MockSource struct {
	server   *httptest.Server
	mu       sync.RWMutex
	shape    index.SourceShape
	prefix   string
	handlers map[int]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
}

// NewMockSource creates a mock source serving shape, writing prefix before
// every JSON body.
func NewMockSource(shape index.SourceShape, prefix string) *MockSource {
	mock := &MockSource{
		shape:    shape,
		prefix:   prefix,
		handlers: make(map[int]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.mu.Unlock()

		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}

		mock.mu.RLock()
		handler, exists := mock.handlers[page]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, page)
	}))

	return mock
}

// URLTemplate returns a page URL template pointing at the mock server.
func (m *MockSource) URLTemplate() string {
	return m.server.URL + "/items?page={page}"
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for one page number.
func (m *MockSource) SetHandler(page int, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[page] = handler
}

// ClearHandler restores the default handler for a page.
func (m *MockSource) ClearHandler(page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, page)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSource) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// defaultHandler serves the page built from the mock's shape.
func (m *MockSource) defaultHandler(w http.ResponseWriter, page int) {
	if page < 1 || page > m.shape.TotalPages {
		http.Error(w, "no such page", http.StatusNotFound)
		return
	}
	body, err := json.Marshal(BuildPage(m.shape, page))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m.prefix))
	w.Write(body)
}

// NewRawHandler returns a handler that writes status and body verbatim.
func NewRawHandler(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}
