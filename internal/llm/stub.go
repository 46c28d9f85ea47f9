package llm

import (
	"context"
	"sync"
)

// StubClient replays a scripted sequence of completions. When the script
// runs out it returns Fallback, or an empty completion when Fallback is
// nil. Safe for concurrent use.
type StubClient struct {
	mu       sync.Mutex
	script   []*Completion
	next     int
	requests []*Request

	// Fallback is returned once the script is exhausted.
	Fallback *Completion

	// OnGenerate, when set, overrides the script entirely.
	OnGenerate func(ctx context.Context, req *Request) (*Completion, error)
}

// NewStubClient builds a stub that replays the given completions in order.
func NewStubClient(script ...*Completion) *StubClient {
	return &StubClient{script: script}
}

// Generate implements Client.
func (s *StubClient) Generate(ctx context.Context, req *Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.OnGenerate != nil {
		return s.OnGenerate(ctx, req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next < len(s.script) {
		c := s.script[s.next]
		s.next++
		return c, nil
	}
	if s.Fallback != nil {
		return s.Fallback, nil
	}
	return &Completion{Content: "done", StopReason: "end_turn"}, nil
}

// Requests returns every request seen so far.
func (s *StubClient) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}
