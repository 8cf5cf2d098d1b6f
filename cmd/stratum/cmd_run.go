package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"stratum/internal/cache"
	"stratum/internal/demo"
	"stratum/internal/oracle"
	"stratum/internal/runner"
	"stratum/internal/stream"
)

// =============================================================================
// RUN COMMAND - run a registered strategy under a policy
// =============================================================================

type runFlags struct {
	request      string
	args         string
	policy       string
	policyArgs   string
	budget       []string
	numGenerated int
	numAnswers   int
	answers      string
	cacheRoot    string
	cacheMode    string
	cacheFormat  string
	noTrace      bool
	noLog        bool
	browsable    bool
	output       string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [strategy]",
		Short: "Run a registered strategy and print the response as YAML",
		Long: `Reifies a registered strategy, explores it with a search policy and
prints the run response: success, values, spent budget, raw trace and log.

Arguments come from a request file, from flags, or both (flags win).

Examples:
  stratum run prove_fact --args '{goal: g, file: kb.yaml}' --policy abduct_and_saturate
  stratum run --request request.yaml --budget num_requests=20 -n 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, f)
		},
	}
	cmd.Flags().StringVarP(&f.request, "request", "r", "", "YAML file holding the run arguments")
	cmd.Flags().StringVar(&f.args, "args", "", "Strategy arguments as a YAML mapping")
	cmd.Flags().StringVarP(&f.policy, "policy", "p", "", "Policy name (default from config)")
	cmd.Flags().StringVar(&f.policyArgs, "policy-args", "", "Policy arguments as a YAML mapping")
	cmd.Flags().StringSliceVarP(&f.budget, "budget", "b", nil, "Budget bound as metric=value (repeatable)")
	cmd.Flags().IntVarP(&f.numGenerated, "num-generated", "n", 0, "Number of solutions to collect")
	cmd.Flags().IntVar(&f.numAnswers, "num-answers", 0, "Answers requested per query")
	cmd.Flags().StringVar(&f.answers, "answers", "", "Demonstration file whose recorded answers serve as the oracle")
	cmd.Flags().StringVar(&f.cacheRoot, "cache", "", "Answer cache directory (enables caching)")
	cmd.Flags().StringVar(&f.cacheMode, "cache-mode", "", "Cache mode: read_only, write_only, read_write")
	cmd.Flags().StringVar(&f.cacheFormat, "cache-format", "", "Cache format: yaml, db")
	cmd.Flags().BoolVar(&f.noTrace, "no-trace", false, "Omit the raw trace from the response")
	cmd.Flags().BoolVar(&f.noLog, "no-log", false, "Omit the search log from the response")
	cmd.Flags().BoolVar(&f.browsable, "browsable", false, "Add the trace arranged as a tree of nodes and answers")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write the response to this file instead of stdout")
	return cmd
}

func (a *app) run(cmd *cobra.Command, args []string, f runFlags) error {
	named, err := a.namedArgs(args, f)
	if err != nil {
		return err
	}
	if named.Strategy == "" {
		return fmt.Errorf("no strategy given")
	}

	reg, err := a.newRegistry()
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	var o oracle.Oracle
	if f.answers != "" {
		file, err := demo.LoadFile(f.answers)
		if err != nil {
			return err
		}
		o = demo.Oracle(reg, file)
	}

	ctx, cancel := a.commandContext(cmd, true)
	defer cancel()

	a.logger.Info("Running strategy",
		zap.String("strategy", named.Strategy),
		zap.String("policy", named.Policy),
		zap.Any("budget", named.Budget))
	resp, err := runner.RunNamed(ctx, reg, o, a.metrics, named)
	if err != nil {
		return err
	}
	a.logger.Info("Run finished",
		zap.String("run_id", resp.RunID),
		zap.Bool("success", resp.Success),
		zap.Int("values", len(resp.Values)),
		zap.Duration("duration", resp.Duration))

	data, err := yaml.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	var out io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		defer file.Close()
		out = file
	}
	_, err = out.Write(data)
	return err
}

// namedArgs merges the configuration, the request file and the flags, in
// increasing order of precedence.
func (a *app) namedArgs(args []string, f runFlags) (runner.NamedArgs, error) {
	named := runner.NamedArgs{
		Policy:        a.cfg.Run.Policy,
		PolicyArgs:    a.cfg.Run.PolicyArgs,
		Budget:        a.cfg.Run.Budget,
		NumGenerated:  a.cfg.Run.NumGenerated,
		StatusRefresh: a.cfg.GetStatusRefresh(),
		ExportTrace:   a.cfg.Run.ExportTrace,
		ExportLog:     a.cfg.Run.ExportLog,
	}
	if spec, ok := a.cfg.CacheSpec(a.workspace); ok {
		named.Cache = &spec
	}

	if f.request != "" {
		data, err := os.ReadFile(f.request)
		if err != nil {
			return named, fmt.Errorf("failed to read request: %w", err)
		}
		if err := yaml.Unmarshal(data, &named); err != nil {
			return named, fmt.Errorf("failed to parse request %s: %w", f.request, err)
		}
	}

	if len(args) > 0 {
		named.Strategy = args[0]
	}
	if f.args != "" {
		if err := yaml.Unmarshal([]byte(f.args), &named.Args); err != nil {
			return named, fmt.Errorf("invalid --args: %w", err)
		}
	}
	if f.policy != "" {
		named.Policy = f.policy
	}
	if f.policyArgs != "" {
		if err := yaml.Unmarshal([]byte(f.policyArgs), &named.PolicyArgs); err != nil {
			return named, fmt.Errorf("invalid --policy-args: %w", err)
		}
	}
	if len(f.budget) > 0 {
		limit, err := stream.ParseLimit(f.budget)
		if err != nil {
			return named, err
		}
		merged := make(map[string]float64, len(named.Budget)+len(limit))
		for k, v := range named.Budget {
			merged[k] = v
		}
		for k, v := range limit {
			merged[k] = v
		}
		named.Budget = merged
	}
	if f.numGenerated > 0 {
		named.NumGenerated = f.numGenerated
	}
	if f.numAnswers > 0 {
		named.NumAnswers = f.numAnswers
	}
	if f.noTrace {
		named.ExportTrace = false
	}
	if f.noLog {
		named.ExportLog = false
	}
	if f.browsable {
		named.ExportBrowsable = true
	}

	if err := a.mergeCacheFlags(&named, f); err != nil {
		return named, err
	}
	return named, nil
}

func (a *app) mergeCacheFlags(named *runner.NamedArgs, f runFlags) error {
	if f.cacheRoot == "" && f.cacheMode == "" && f.cacheFormat == "" {
		return nil
	}
	spec := cache.Spec{Mode: cache.ReadWrite, Format: cache.FormatYAML}
	if named.Cache != nil {
		spec = *named.Cache
	}
	if f.cacheRoot != "" {
		spec.Root = f.cacheRoot
	}
	if spec.Root == "" {
		return fmt.Errorf("--cache-mode and --cache-format need a cache directory (--cache)")
	}
	if f.cacheMode != "" {
		mode, err := cache.ParseMode(f.cacheMode)
		if err != nil {
			return err
		}
		spec.Mode = mode
	}
	if f.cacheFormat != "" {
		format, err := cache.ParseFormat(f.cacheFormat)
		if err != nil {
			return err
		}
		spec.Format = format
	}
	named.Cache = &spec
	return nil
}
