// Package oracle defines the boundary to external answer sources (language
// models, humans, recorded demonstrations) and simple in-process oracles.
package oracle

import (
	"context"
	"errors"
	"sync"

	"stratum/internal/core"
	"stratum/internal/stream"
)

// Response holds the answers returned for one request and what it cost.
type Response struct {
	Answers []core.Answer
	Spent   stream.Budget
}

// Oracle answers queries. It is asked for at most n answers.
type Oracle interface {
	Answer(ctx context.Context, q *core.Query, n int) (Response, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, q *core.Query, n int) (Response, error)

func (f Func) Answer(ctx context.Context, q *core.Query, n int) (Response, error) {
	return f(ctx, q, n)
}

// Static answers queries from a fixed table keyed by query fingerprint.
// Every request is charged Cost.
type Static struct {
	mu      sync.Mutex
	answers map[string][]core.Answer
	calls   int
	Cost    stream.Budget
}

// NewStatic creates an empty table charging one request per call.
func NewStatic() *Static {
	return &Static{
		answers: make(map[string][]core.Answer),
		Cost:    stream.Budget{stream.NumRequests: 1},
	}
}

// Add registers answers for the query with the given name and arguments.
func (s *Static) Add(name string, args map[string]any, answers ...core.Answer) {
	q := core.Query{Name: name, Args: args}
	s.AddFingerprint(q.Fingerprint(), answers...)
}

// AddFingerprint registers answers under a precomputed fingerprint.
func (s *Static) AddFingerprint(fp string, answers ...core.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[fp] = append(s.answers[fp], answers...)
}

// Len returns the number of distinct queries known.
func (s *Static) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

// Calls returns the number of requests served.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) Answer(ctx context.Context, q *core.Query, n int) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	answers := s.answers[q.Fingerprint()]
	if n > 0 && len(answers) > n {
		answers = answers[:n]
	}
	return Response{Answers: append([]core.Answer(nil), answers...), Spent: s.Cost}, nil
}

// ErrNoOracle is returned by Unavailable.
var ErrNoOracle = errors.New("no oracle configured")

// Unavailable is an oracle failing every request.
var Unavailable = Func(func(context.Context, *core.Query, int) (Response, error) {
	return Response{}, ErrNoOracle
})
