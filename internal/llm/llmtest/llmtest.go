// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pavelanni/papergrader/internal/llm"
)

// Reply is one scripted response.
type Reply struct {
	Text string
	Err  error
}

// Responder picks a reply for a request.
type Responder func(call int, req llm.Request) Reply

// Model replays replies in order, or asks Responder when set.
type Model struct {
	mu        sync.Mutex
	replies   []Reply
	Responder Responder
	requests  []llm.Request
}

// New returns a model that answers with the given replies in order.
func New(replies ...Reply) *Model {
	return &Model{replies: replies}
}

// Func returns a model driven by fn.
func Func(fn Responder) *Model {
	return &Model{Responder: fn}
}

// Complete implements llm.Model.
func (m *Model) Complete(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	var r Reply
	switch {
	case m.Responder != nil:
		m.mu.Unlock()
		r = m.Responder(call, req)
		return r.Text, r.Err
	case call < len(m.replies):
		r = m.replies[call]
	default:
		r = Reply{Err: fmt.Errorf("llmtest: unexpected call %d", call+1)}
	}
	m.mu.Unlock()
	return r.Text, r.Err
}

// Calls returns how many requests the model saw.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded requests.
func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}
