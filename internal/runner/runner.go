// Package runner runs a strategy under a policy to completion: it applies
// the budget and solution count, polls for interruption between events and
// collects the values, spending, trace and log of the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stratum/internal/cache"
	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/metrics"
	"stratum/internal/oracle"
	"stratum/internal/policy"
	"stratum/internal/registry"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

// DefaultStatusRefresh is how often a running search logs its progress.
const DefaultStatusRefresh = 5 * time.Second

// Args describes one run.
type Args struct {
	Strategy core.Strategy
	Policy   policy.Policy
	Oracle   oracle.Oracle
	// Budget bounds the spending; nil means unbounded.
	Budget stream.Limit
	// NumGenerated is how many solutions to collect (default 1).
	NumGenerated int
	// NumAnswers is how many answers each oracle request asks for (default 1).
	NumAnswers      int
	StatusRefresh   time.Duration
	ExportTrace     bool
	ExportLog       bool
	ExportBrowsable bool
	Hooks           []core.Hook
	Metrics         *metrics.Metrics
}

// Response is the outcome of a run.
type Response struct {
	RunID       string             `yaml:"run_id" json:"run_id"`
	Success     bool               `yaml:"success" json:"success"`
	Interrupted bool               `yaml:"interrupted,omitempty" json:"interrupted,omitempty"`
	Values      []any              `yaml:"values" json:"values"`
	Spent       stream.Budget      `yaml:"spent" json:"spent"`
	Duration    time.Duration      `yaml:"duration" json:"duration"`
	Trace       *trace.Exportable  `yaml:"raw_trace,omitempty" json:"raw_trace,omitempty"`
	Log         []trace.LogMessage `yaml:"log,omitempty" json:"log,omitempty"`
	Nodes       int                `yaml:"nodes" json:"nodes"`

	Browsable []*trace.BrowsableNode `yaml:"browsable_trace,omitempty" json:"browsable_trace,omitempty"`
}

// Run reifies the strategy and consumes the policy's stream. Cancelling ctx
// interrupts the run between two events; what was gathered so far is still
// returned.
func Run(ctx context.Context, args Args) (*Response, error) {
	if args.Policy == nil {
		return nil, errors.New("runner: no policy given")
	}
	n := args.NumGenerated
	if n <= 0 {
		n = 1
	}
	refresh := args.StatusRefresh
	if refresh <= 0 {
		refresh = DefaultStatusRefresh
	}

	resp := &Response{RunID: uuid.NewString(), Spent: stream.Budget{}}
	start := time.Now()
	logging.Runner("run %s: strategy %s (budget %v, %d solutions)", resp.RunID, args.Strategy.Name, args.Budget, n)

	env := policy.NewEnv(ctx, args.Oracle)
	if args.NumAnswers > 0 {
		env.NumAnswers = args.NumAnswers
	}
	hooks := append([]core.Hook{trace.Hook(env.Tracer)}, args.Hooks...)
	if args.Metrics != nil {
		hooks = append(hooks, args.Metrics.Hook())
	}
	session := core.NewSession(hooks...)
	root, err := session.Reify(args.Strategy)
	if err != nil {
		args.observe("error", start)
		return nil, fmt.Errorf("failed to reify %s: %w", args.Strategy.Name, err)
	}

	s := args.Policy.Search(root, env)
	if args.Budget != nil {
		s = s.WithBudget(args.Budget)
	}
	lastStatus := start
	for ev := range s.Take(n) {
		if args.Metrics != nil {
			args.Metrics.Observe(ev)
		}
		switch ev.Kind {
		case stream.KindSolution:
			resp.Values = append(resp.Values, ev.Value.Data)
		case stream.KindSpent:
			resp.Spent = resp.Spent.Add(ev.Budget)
		}
		if time.Since(lastStatus) >= refresh {
			lastStatus = time.Now()
			logging.Runner("run %s: %d solutions, spent %s, %d nodes", resp.RunID, len(resp.Values), resp.Spent, session.Len())
		}
		if ctx.Err() != nil {
			resp.Interrupted = true
			break
		}
	}
	if ctx.Err() != nil {
		resp.Interrupted = true
	}

	tr := env.Tracer.Trace()
	if err := tr.CheckConsistency(); err != nil {
		panic(fmt.Sprintf("runner: inconsistent trace: %v", err))
	}
	resp.Success = len(resp.Values) > 0
	resp.Duration = time.Since(start)
	resp.Nodes = session.Len()
	if args.ExportTrace {
		exported := tr.Export()
		resp.Trace = &exported
	}
	if args.ExportLog {
		resp.Log = env.Tracer.Messages()
	}
	if args.ExportBrowsable {
		resp.Browsable = tr.Browsable()
	}

	status := "failure"
	switch {
	case resp.Interrupted:
		status = "interrupted"
	case resp.Success:
		status = "success"
	}
	args.observe(status, start)
	logging.Runner("run %s: %s after %s with %d values, spent %s", resp.RunID, status, resp.Duration, len(resp.Values), resp.Spent)
	return resp, nil
}

func (a Args) observe(status string, start time.Time) {
	if a.Metrics != nil {
		a.Metrics.ObserveRun(status, time.Since(start))
	}
}

// =============================================================================
// NAMED RUNS
// =============================================================================

// NamedArgs describes a run by registered names, as read from a command
// line or a request file.
type NamedArgs struct {
	Strategy      string             `yaml:"strategy" json:"strategy"`
	Args          map[string]any     `yaml:"args,omitempty" json:"args,omitempty"`
	Policy        string             `yaml:"policy" json:"policy"`
	PolicyArgs    map[string]any     `yaml:"policy_args,omitempty" json:"policy_args,omitempty"`
	Budget        map[string]float64 `yaml:"budget,omitempty" json:"budget,omitempty"`
	NumGenerated  int                `yaml:"num_generated,omitempty" json:"num_generated,omitempty"`
	NumAnswers    int                `yaml:"num_answers,omitempty" json:"num_answers,omitempty"`
	Cache         *cache.Spec        `yaml:"cache,omitempty" json:"cache,omitempty"`
	StatusRefresh time.Duration      `yaml:"status_refresh,omitempty" json:"status_refresh,omitempty"`
	ExportTrace   bool               `yaml:"export_trace,omitempty" json:"export_trace,omitempty"`
	ExportLog     bool               `yaml:"export_log,omitempty" json:"export_log,omitempty"`

	ExportBrowsable bool `yaml:"export_browsable_trace,omitempty" json:"export_browsable_trace,omitempty"`
}

// RunNamed resolves the strategy and policy through reg and runs them.
// When a cache is given, the oracle is wrapped so that answers are read
// from and recorded into it.
func RunNamed(ctx context.Context, reg *registry.Registry, o oracle.Oracle, m *metrics.Metrics, args NamedArgs) (*Response, error) {
	st, err := reg.Strategy(args.Strategy, args.Args)
	if err != nil {
		return nil, err
	}
	p, err := reg.Policy(args.Policy, args.PolicyArgs)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = oracle.Unavailable
	}
	if args.Cache != nil {
		store, err := cache.Open(*args.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		defer store.Close()
		cached := cache.NewOracle(o, store, args.Cache.Mode)
		if m != nil {
			cached.Observer = m.ObserveCache
		}
		defer func() {
			hits, misses := cached.Stats()
			logging.Runner("cache: %d hits, %d misses", hits, misses)
		}()
		o = cached
	}
	var budget stream.Limit
	if len(args.Budget) > 0 {
		budget = stream.Limit(args.Budget)
	}
	return Run(ctx, Args{
		Strategy:      st,
		Policy:        p,
		Oracle:        o,
		Budget:        budget,
		NumGenerated:  args.NumGenerated,
		NumAnswers:    args.NumAnswers,
		StatusRefresh: args.StatusRefresh,
		ExportTrace:   args.ExportTrace,
		ExportLog:     args.ExportLog,
		Metrics:       m,

		ExportBrowsable: args.ExportBrowsable,
	})
}
