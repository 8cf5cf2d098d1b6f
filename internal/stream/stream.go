// Package stream implements budgeted search streams: lazy sequences of
// solutions, spent-budget notifications and multiplexing barriers.
//
// Streams are push iterators. Consumers cancel by returning false from yield;
// nothing further is produced or charged afterwards.
package stream

import (
	"iter"

	"stratum/internal/core"
)

// Kind discriminates stream events.
type Kind int

const (
	KindSolution Kind = iota
	KindSpent
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindSolution:
		return "solution"
	case KindSpent:
		return "spent"
	case KindBarrier:
		return "barrier"
	}
	return "unknown"
}

// Event is one element of a stream.
type Event struct {
	Kind   Kind
	Value  core.Value
	Budget Budget
}

// Solution builds a solution event.
func Solution(v core.Value) Event { return Event{Kind: KindSolution, Value: v} }

// Spent builds a spent-budget event.
func Spent(b Budget) Event { return Event{Kind: KindSpent, Budget: b} }

// Barrier builds a barrier event.
func Barrier() Event { return Event{Kind: KindBarrier} }

// Stream is a lazy, possibly infinite sequence of events.
type Stream iter.Seq[Event]

// Of returns a stream of fixed events.
func Of(events ...Event) Stream {
	return func(yield func(Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}
}

// Empty is the stream with no events.
func Empty() Stream { return func(func(Event) bool) {} }

// Take stops the stream after n solutions.
func (s Stream) Take(n int) Stream {
	return func(yield func(Event) bool) {
		if n <= 0 {
			return
		}
		count := 0
		for e := range s {
			if !yield(e) {
				return
			}
			if e.Kind == KindSolution {
				count++
				if count >= n {
					return
				}
			}
		}
	}
}

// WithBudget stops the stream right after the first event following which
// the accumulated spending exceeds limit in some dimension.
func (s Stream) WithBudget(limit Limit) Stream {
	return func(yield func(Event) bool) {
		total := Budget{}
		for e := range s {
			if e.Kind == KindSpent {
				total = total.Add(e.Budget)
			}
			if !yield(e) {
				return
			}
			if limit.ExceededBy(total) {
				return
			}
		}
	}
}

// Concat runs streams one after the other.
func Concat(streams ...Stream) Stream {
	return func(yield func(Event) bool) {
		for _, s := range streams {
			for e := range s {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// Interleave multiplexes streams round-robin. A stream keeps the turn until
// it emits a barrier or a solution, so spending is never reordered within one
// stream.
func Interleave(streams ...Stream) Stream {
	return func(yield func(Event) bool) {
		type pulled struct {
			next func() (Event, bool)
			stop func()
		}
		active := make([]pulled, 0, len(streams))
		for _, s := range streams {
			next, stop := iter.Pull(iter.Seq[Event](s))
			active = append(active, pulled{next, stop})
		}
		defer func() {
			for _, p := range active {
				p.stop()
			}
		}()
		for len(active) > 0 {
			for i := 0; i < len(active); {
				exhausted := false
				for {
					e, ok := active[i].next()
					if !ok {
						exhausted = true
						break
					}
					if !yield(e) {
						return
					}
					if e.Kind == KindBarrier || e.Kind == KindSolution {
						break
					}
				}
				if exhausted {
					active[i].stop()
					active = append(active[:i], active[i+1:]...)
					continue
				}
				i++
			}
		}
	}
}

// =============================================================================
// CONSUMPTION HELPERS
// =============================================================================

// Collect consumes s, forwarding spent and barrier events to yield, and
// returns up to n solutions (all of them when n < 0). ok is false when yield
// asked to stop, in which case the caller must stop too.
func Collect(s Stream, n int, yield func(Event) bool) (sols []core.Value, ok bool) {
	if n == 0 {
		return nil, true
	}
	for e := range s {
		if e.Kind == KindSolution {
			sols = append(sols, e.Value)
			if n > 0 && len(sols) >= n {
				return sols, true
			}
			continue
		}
		if !yield(e) {
			return sols, false
		}
	}
	return sols, true
}

// TakeOne returns the first solution of s, forwarding other events.
func TakeOne(s Stream, yield func(Event) bool) (v core.Value, found bool, ok bool) {
	sols, ok := Collect(s, 1, yield)
	if len(sols) == 0 {
		return core.Value{}, false, ok
	}
	return sols[0], true, ok
}

// TakeAll returns every solution of s, forwarding other events.
func TakeAll(s Stream, yield func(Event) bool) ([]core.Value, bool) {
	return Collect(s, -1, yield)
}

// Summary aggregates a fully consumed stream.
type Summary struct {
	Solutions []core.Value
	Spent     Budget
}

// Drain consumes s entirely.
func Drain(s Stream) Summary {
	sum := Summary{Spent: Budget{}}
	for e := range s {
		switch e.Kind {
		case KindSolution:
			sum.Solutions = append(sum.Solutions, e.Value)
		case KindSpent:
			sum.Spent = sum.Spent.Add(e.Budget)
		}
	}
	return sum
}
