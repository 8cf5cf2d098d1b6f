// Package registry maps names to constructors for strategies, queries and
// policies. Factories receive raw arguments (as found in demonstration files
// or on the command line) and are expected to decode them with DecodeArgs.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/policy"
)

// Kind of a registered object.
type Kind string

const (
	KindStrategy Kind = "strategy"
	KindQuery    Kind = "query"
	KindPolicy   Kind = "policy"
)

var (
	// ErrNotFound is returned when no object is registered under a name.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("object already registered")
)

// LoadingError reports a factory that rejected its arguments.
type LoadingError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *LoadingError) Error() string {
	return fmt.Sprintf("failed to instantiate %s %s: %v", e.Kind, e.Name, e.Err)
}

func (e *LoadingError) Unwrap() error { return e.Err }

type (
	StrategyFactory func(args map[string]any) (core.Strategy, error)
	QueryFactory    func(args map[string]any) (*core.Query, error)
	PolicyFactory   func(args map[string]any) (policy.Policy, error)
)

// Registry is safe for concurrent use. It is usually populated once at
// startup and then only read.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]StrategyFactory
	queries    map[string]QueryFactory
	policies   map[string]PolicyFactory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		strategies: make(map[string]StrategyFactory),
		queries:    make(map[string]QueryFactory),
		policies:   make(map[string]PolicyFactory),
	}
}

func register[F any](r *Registry, m map[string]F, kind Kind, name string, f F) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := m[name]; exists {
		return fmt.Errorf("%w: %s %s", ErrAlreadyRegistered, kind, name)
	}
	m[name] = f
	logging.RunnerDebug("Registered %s: %s", kind, name)
	return nil
}

func lookup[F any](r *Registry, m map[string]F, kind Kind, name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := m[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, kind, name)
	}
	return f, nil
}

func (r *Registry) RegisterStrategy(name string, f StrategyFactory) error {
	return register(r, r.strategies, KindStrategy, name, f)
}

func (r *Registry) RegisterQuery(name string, f QueryFactory) error {
	return register(r, r.queries, KindQuery, name, f)
}

func (r *Registry) RegisterPolicy(name string, f PolicyFactory) error {
	return register(r, r.policies, KindPolicy, name, f)
}

// MustRegisterStrategy registers a strategy and panics on error.
func (r *Registry) MustRegisterStrategy(name string, f StrategyFactory) {
	if err := r.RegisterStrategy(name, f); err != nil {
		panic(err)
	}
}

// MustRegisterQuery registers a query and panics on error.
func (r *Registry) MustRegisterQuery(name string, f QueryFactory) {
	if err := r.RegisterQuery(name, f); err != nil {
		panic(err)
	}
}

// MustRegisterPolicy registers a policy and panics on error.
func (r *Registry) MustRegisterPolicy(name string, f PolicyFactory) {
	if err := r.RegisterPolicy(name, f); err != nil {
		panic(err)
	}
}

// Strategy instantiates the strategy registered under name. The strategy
// name and arguments are filled in when the factory leaves them empty.
func (r *Registry) Strategy(name string, args map[string]any) (core.Strategy, error) {
	f, err := lookup(r, r.strategies, KindStrategy, name)
	if err != nil {
		return core.Strategy{}, err
	}
	st, err := f(args)
	if err != nil {
		return core.Strategy{}, &LoadingError{Kind: KindStrategy, Name: name, Err: err}
	}
	if st.Name == "" {
		st.Name = name
	}
	if st.Args == nil {
		st.Args = args
	}
	return st, nil
}

// Query instantiates the query registered under name.
func (r *Registry) Query(name string, args map[string]any) (*core.Query, error) {
	f, err := lookup(r, r.queries, KindQuery, name)
	if err != nil {
		return nil, err
	}
	q, err := f(args)
	if err != nil {
		return nil, &LoadingError{Kind: KindQuery, Name: name, Err: err}
	}
	if q.Name == "" {
		q.Name = name
	}
	return q, nil
}

// Policy instantiates the policy registered under name.
func (r *Registry) Policy(name string, args map[string]any) (policy.Policy, error) {
	f, err := lookup(r, r.policies, KindPolicy, name)
	if err != nil {
		return nil, err
	}
	p, err := f(args)
	if err != nil {
		return nil, &LoadingError{Kind: KindPolicy, Name: name, Err: err}
	}
	return p, nil
}

// Names returns the sorted names registered for a kind.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case KindStrategy:
		for n := range r.strategies {
			names = append(names, n)
		}
	case KindQuery:
		for n := range r.queries {
			names = append(names, n)
		}
	case KindPolicy:
		for n := range r.policies {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// DecodeArgs converts raw arguments into T, rejecting unknown fields.
// Field names follow the json tags of T.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

// Typed wraps a function taking decoded arguments into a StrategyFactory.
func Typed[T any](build func(T) (core.Strategy, error)) StrategyFactory {
	return func(args map[string]any) (core.Strategy, error) {
		a, err := DecodeArgs[T](args)
		if err != nil {
			return core.Strategy{}, err
		}
		return build(a)
	}
}
