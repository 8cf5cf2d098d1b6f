package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"stratum/internal/core"
	"stratum/internal/demo"
	"stratum/internal/registry"
)

// =============================================================================
// DEMO COMMANDS - demonstration files
// =============================================================================

func newDemoCmd(a *app) *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Work with demonstration files",
	}

	var watch, asYAML bool
	checkCmd := &cobra.Command{
		Use:   "check [file...]",
		Short: "Evaluate demonstration files and report diagnostics",
		Long: `Loads each demonstration file, replays its strategy demonstrations
under their test commands and validates its query demonstrations.

With --watch, files are evaluated again whenever they change, until
interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.checkDemos(cmd, args, watch, asYAML)
		},
	}
	checkCmd.Flags().BoolVar(&watch, "watch", false, "Re-evaluate files when they change")
	checkCmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the raw feedback as YAML")

	demoCmd.AddCommand(checkCmd)
	return demoCmd
}

func (a *app) checkDemos(cmd *cobra.Command, paths []string, watch, asYAML bool) error {
	reg, err := a.newRegistry()
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	in := demo.NewInterpreter(reg)
	in.Parallelism = a.cfg.Demo.Parallelism
	in.Hooks = []core.Hook{a.metrics.Hook()}

	ctx, cancel := a.commandContext(cmd, !watch)
	defer cancel()

	out := cmd.OutOrStdout()
	failed := 0
	for _, p := range paths {
		ok, err := a.checkFile(ctx, in, out, p, asYAML)
		if err != nil {
			return err
		}
		if !ok {
			failed++
		}
	}

	if watch {
		return a.watchDemos(ctx, in, out, paths, asYAML)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d demonstration file(s) have errors", failed, len(paths))
	}
	return nil
}

// checkFile evaluates one file and reports whether it is free of errors.
// Only a cancelled context is returned as an error; an unreadable file is
// reported like any other failure.
func (a *app) checkFile(ctx context.Context, in *demo.Interpreter, out io.Writer, path string, asYAML bool) (bool, error) {
	st := newStyles()
	f, err := demo.LoadFile(path)
	if err != nil {
		fmt.Fprintf(out, "%s\n    %s: %v\n", st.File.Render(path), st.severity(demo.SeverityError), err)
		return false, nil
	}
	fbs, err := in.EvaluateFile(ctx, f)
	if err != nil {
		return false, err
	}

	errs := 0
	for _, fb := range fbs {
		a.metrics.ObserveFeedback(fb)
		errs += fb.Count(demo.SeverityError)
	}
	a.logger.Debug("Checked demonstration file",
		zap.String("path", path),
		zap.Int("demonstrations", len(fbs)),
		zap.Int("errors", errs))

	if asYAML {
		data, err := yaml.Marshal(map[string]any{"file": path, "feedback": fbs})
		if err != nil {
			return false, fmt.Errorf("failed to marshal feedback: %w", err)
		}
		fmt.Fprintf(out, "---\n%s", data)
	} else {
		st.renderFeedback(out, path, fbs)
	}
	return errs == 0, nil
}

func (a *app) watchDemos(ctx context.Context, in *demo.Interpreter, out io.Writer, paths []string, asYAML bool) error {
	w, err := demo.NewWatcher(paths...)
	if err != nil {
		return err
	}
	a.logger.Info("Watching demonstration files", zap.Strings("paths", paths))
	return w.Run(ctx, func(path string) {
		if _, err := a.checkFile(ctx, in, out, path, asYAML); err != nil {
			a.logger.Debug("Check interrupted", zap.Error(err))
		}
	})
}

// =============================================================================
// LIST COMMAND - registered names
// =============================================================================

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered strategies, queries and policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.newRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, kind := range []registry.Kind{registry.KindStrategy, registry.KindQuery, registry.KindPolicy} {
				for _, name := range reg.Names(kind) {
					fmt.Fprintf(out, "%s\t%s\n", kind, name)
				}
			}
			return nil
		},
	}
}
