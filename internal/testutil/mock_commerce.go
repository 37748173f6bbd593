// Package testutil provides testing utilities for the storefront fetch layer.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock commerce endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCommerce is a configurable mock commerce REST server for testing.
type MockCommerce struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockCommerce creates a new mock commerce server.
func NewMockCommerce() *MockCommerce {
	mock := &MockCommerce{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCommerce) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCommerce) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCommerce) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCommerce) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockCommerce) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves resps in order for path. The last response repeats once
// the sequence is used up.
func (m *MockCommerce) SetSequence(path string, resps ...MockResponse) {
	if len(resps) == 0 {
		return
	}
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[next]
		if next < len(resps)-1 {
			next++
		}
		mu.Unlock()

		writeResponse(w, resp)
	})
}

// SetPages serves a paginated collection for path. pages[i] is the JSON body
// of page i+1, selected by the "page" query parameter.
func (m *MockCommerce) SetPages(path string, pages []string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			page = n
		}

		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.Header().Set("X-WP-TotalPages", strconv.Itoa(len(pages)))
		if page < 1 || page > len(pages) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":"rest_post_invalid_page_number"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pages[page-1]))
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCommerce) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// RequestsFor returns the number of requests made to path.
func (m *MockCommerce) RequestsFor(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// LastHeader returns the headers of the most recent request.
func (m *MockCommerce) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

// defaultHandler answers unknown paths with an empty collection.
func (m *MockCommerce) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Cache-Control", "max-age=300")
	w.Header().Set("X-WP-TotalPages", "1")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`[]`))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK response with a five minute max-age.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":  "application/json; charset=UTF-8",
			"Cache-Control": "max-age=300",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"code":"internal_server_error","message":"Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=UTF-8",
		},
	}
}

// NewUnavailableResponse creates a 503 Service Unavailable response.
func NewUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"code":"service_unavailable"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=UTF-8",
			"Retry-After":  "1",
		},
	}
}

// NewNotFoundResponse creates a 404 response in the REST API's error shape.
func NewNotFoundResponse(what string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf(`{"code":"rest_no_route","message":"%s not found"}`, what),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=UTF-8",
		},
	}
}
