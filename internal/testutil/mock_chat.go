// Package testutil provides testing utilities for the prompt dispatcher.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockChatResponse defines one scripted reply of the mock chat endpoint.
type MockChatResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockChat is a configurable mock chat-completion server for testing.
// Replies are scripted per prompt text; each request for a prompt consumes the
// next scripted reply, and the last reply repeats once the script runs out.
// Prompts without a script get a 200 completion echoing the prompt.
type MockChat struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockChatResponse
	calls    map[string]int
	inFlight int
	maxSeen  int

	requestCount int
	lastHeader   http.Header
	lastRequest  chatRequest

	// DefaultDelay is applied to unscripted replies.
	DefaultDelay time.Duration
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// NewMockChat starts a mock chat server.
func NewMockChat() *MockChat {
	m := &MockChat{
		scripts: make(map[string][]MockChatResponse),
		calls:   make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server base URL.
func (m *MockChat) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockChat) Close() {
	m.server.Close()
}

// Script sets the reply sequence for a prompt.
func (m *MockChat) Script(prompt string, replies ...MockChatResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[prompt] = replies
}

// Calls returns how many requests carried the given prompt.
func (m *MockChat) Calls(prompt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[prompt]
}

// RequestCount returns the total number of requests served.
func (m *MockChat) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// MaxInFlight returns the highest number of concurrently open requests seen.
func (m *MockChat) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// LastHeader returns the headers of the most recent request.
func (m *MockChat) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// LastModel returns the model field of the most recent request.
func (m *MockChat) LastModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest.Model
}

func (m *MockChat) handle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	prompt := req.Messages[len(req.Messages)-1].Content

	m.mu.Lock()
	m.requestCount++
	m.lastHeader = r.Header.Clone()
	m.lastRequest = req
	n := m.calls[prompt]
	m.calls[prompt] = n + 1
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	reply, scripted := m.replyLocked(prompt, n)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if !scripted {
		reply = NewCompletion(fmt.Sprintf("Answer to: %s", prompt))
		reply.Delay = m.DefaultDelay
	}
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.StatusCode)
	if reply.Body != "" {
		w.Write([]byte(reply.Body))
	}
}

func (m *MockChat) replyLocked(prompt string, n int) (MockChatResponse, bool) {
	script, ok := m.scripts[prompt]
	if !ok || len(script) == 0 {
		return MockChatResponse{}, false
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], true
}

// NewCompletion creates a 200 OK chat completion whose assistant message is content.
func NewCompletion(content string) MockChatResponse {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
	return MockChatResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewRefusal creates a well-formed completion whose content is a refusal.
func NewRefusal() MockChatResponse {
	return NewCompletion("I'm sorry, but I cannot help with that.")
}

// NewServerError creates a 500 Internal Server Error reply.
func NewServerError() MockChatResponse {
	return MockChatResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": {"message": "internal error"}}`,
	}
}

// NewRateLimited creates a 429 Too Many Requests reply.
func NewRateLimited() MockChatResponse {
	return MockChatResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": {"message": "rate limit exceeded"}}`,
	}
}

// NewMalformed creates a 200 reply with a body that is not JSON.
func NewMalformed() MockChatResponse {
	return MockChatResponse{StatusCode: http.StatusOK, Body: "<html>gateway</html>"}
}
