package core

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// ComputationQuery is the query name under which computations are exposed.
const ComputationQuery = "__Computation__"

// Strategy is a suspendable computation. Body runs on a worker goroutine and
// interacts with the driver exclusively through the Suspender; it must be
// deterministic given the actions it receives.
type Strategy struct {
	Name string
	Args map[string]any
	Tags []string
	Body func(s *Suspender) (any, error)
}

// StrategyError wraps an error or panic escaping a strategy body.
type StrategyError struct {
	Strategy string
	Err      error
	Stack    string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %q raised an exception: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// Suspender is the handle through which a running strategy suspends.
type Suspender struct {
	ex *execution
}

// Suspend blocks the strategy at node n until the driver supplies an action.
// It must be called from the goroutine running the strategy body. When the
// driver abandons the execution, Suspend never returns.
func (s *Suspender) Suspend(n Node) any {
	select {
	case s.ex.suspended <- n:
	case <-s.ex.abort:
		runtime.Goexit()
	}
	select {
	case a := <-s.ex.resumed:
		return a
	case <-s.ex.abort:
		runtime.Goexit()
	}
	panic("unreachable")
}

// Choose suspends on a Branch node over space and returns the chosen value.
func (s *Suspender) Choose(space Space) any {
	return s.Suspend(&Branch{Cands: space})
}

// Fail suspends on a Failure leaf. It never returns; its error result only
// lets callers write `return nil, s.Fail(msg)`.
func (s *Suspender) Fail(message string) error {
	s.Suspend(&Failure{Message: message})
	panic("unreachable")
}

// Computed runs fn as a Compute node. The result is JSON encoded into the
// implicit answer so that replays decode the same value without rerunning fn.
func Computed[T any](s *Suspender, name string, args map[string]any, fn func() (T, error)) (T, error) {
	q := &Query{
		Name: ComputationQuery,
		Args: map[string]any{"fun": name, "args": args},
		Parse: func(a Answer) (any, error) {
			var out T
			if err := json.Unmarshal([]byte(a.Text), &out); err != nil {
				return nil, fmt.Errorf("decode computation result: %w", err)
			}
			return out, nil
		},
		Implicit: func() (string, error) {
			v, err := fn()
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encode computation result: %w", err)
			}
			return string(data), nil
		},
	}
	res := s.Suspend(&Compute{Comp: QuerySpace("comp", q, name)})
	out, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("computation %s: unexpected result type %T", name, res)
	}
	return out, nil
}

// =============================================================================
// WORKER PROTOCOL
// =============================================================================

type result struct {
	value any
	err   error
}

// execution is one run of a strategy body on its own goroutine. The driver
// and the worker alternate strictly over unbuffered channels.
type execution struct {
	suspended chan Node
	resumed   chan any
	finished  chan result
	abort     chan struct{}
}

func start(st *Strategy) *execution {
	ex := &execution{
		suspended: make(chan Node),
		resumed:   make(chan any),
		finished:  make(chan result, 1),
		abort:     make(chan struct{}),
	}
	go ex.run(st)
	return ex
}

func (ex *execution) run(st *Strategy) {
	defer func() {
		if r := recover(); r != nil {
			ex.finished <- result{err: &StrategyError{
				Strategy: st.Name,
				Err:      fmt.Errorf("panic: %v", r),
				Stack:    string(debug.Stack()),
			}}
		}
	}()
	v, err := st.Body(&Suspender{ex: ex})
	if err != nil {
		err = &StrategyError{Strategy: st.Name, Err: err}
	}
	ex.finished <- result{value: v, err: err}
}

// step waits until the worker suspends or finishes.
func (ex *execution) step() (Node, *result) {
	select {
	case n := <-ex.suspended:
		return n, nil
	case r := <-ex.finished:
		return nil, &r
	}
}

func (ex *execution) resume(action any) {
	ex.resumed <- action
}

// stop releases a suspended worker.
func (ex *execution) stop() {
	close(ex.abort)
}
