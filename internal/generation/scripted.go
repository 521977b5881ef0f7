package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoScriptedReply is returned when a Scripted backend has nothing to say.
var ErrNoScriptedReply = errors.New("no scripted reply")

// Reply is one canned response.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Call is one recorded request.
type Call struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type rule struct {
	contains string
	reply    Reply
}

// Scripted is a deterministic Backend for tests and offline runs.
//
// Rules registered with When answer any prompt containing their substring,
// first match wins, and are never consumed. Otherwise queued replies are
// returned in order. Delays honor context cancellation.
type Scripted struct {
	mu    sync.Mutex
	rules []rule
	queue []Reply
	calls []Call
}

// NewScripted returns an empty Scripted backend.
func NewScripted() *Scripted { return &Scripted{} }

// When answers prompts containing substr with r.
func (s *Scripted) When(substr string, r Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{contains: substr, reply: r})
	return s
}

// Enqueue appends replies to the queue.
func (s *Scripted) Enqueue(replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
	return s
}

// EnqueueText appends plain text replies to the queue.
func (s *Scripted) EnqueueText(texts ...string) *Scripted {
	for _, t := range texts {
		s.Enqueue(Reply{Text: t})
	}
	return s
}

// Calls returns the recorded requests.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of recorded requests.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Name implements Backend.
func (s *Scripted) Name() string { return "scripted" }

// Generate implements Service.
func (s *Scripted) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	r, ok := s.next(Call{Prompt: prompt, MaxTokens: maxTokens, Temperature: temperature})
	if !ok {
		return "", ErrNoScriptedReply
	}
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

func (s *Scripted) next(c Call) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	for _, r := range s.rules {
		if strings.Contains(c.Prompt, r.contains) {
			return r.reply, true
		}
	}
	if len(s.queue) == 0 {
		return Reply{}, false
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, true
}
