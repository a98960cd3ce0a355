// Package main provides the e2e test runner CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360studio/imagegen/test/e2e/config"
	"github.com/c360studio/imagegen/test/e2e/scenarios"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	var (
		outputJSON    bool
		globalTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run imagegen e2e tests",
		Long: `Run end-to-end tests against a running imagegen, mock inference
server and NATS. With no argument every scenario runs in order.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			toRun, err := selectScenarios(scenarioList(cfg), args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), globalTimeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			results := runAll(ctx, toRun)
			if outputJSON {
				if err := writeJSONReport(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				writeTextReport(cmd.OutOrStdout(), results)
			}

			if failed := countFailed(results); failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.ImagegenURL, "imagegen", config.DefaultImagegenURL, "Imagegen base URL")
	cmd.Flags().StringVar(&cfg.MockURL, "mock", config.DefaultMockURL, "Mock inference server URL")
	cmd.Flags().StringVar(&cfg.NATSURL, "nats", config.DefaultNATSURL, "NATS server URL")
	cmd.Flags().StringVar(&cfg.Model, "model", config.DefaultModel, "Model imagegen is configured for")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&cfg.RequestTimeout, "timeout", config.DefaultRequestTimeout, "Per-request timeout")
	cmd.Flags().DurationVar(&cfg.SetupTimeout, "setup-timeout", config.DefaultSetupTimeout, "Time to wait for the stack to become healthy")
	cmd.Flags().DurationVar(&globalTimeout, "global-timeout", 10*time.Minute, "Global timeout for all scenarios")

	cmd.AddCommand(listCmd(cfg))
	return cmd
}

// scenarioList returns every scenario in run order. Cold start must run
// first because it consumes the mock's loading fixtures.
func scenarioList(cfg *config.Config) []scenarios.Scenario {
	return []scenarios.Scenario{
		scenarios.NewColdStartScenario(cfg),
		scenarios.NewValidationScenario(cfg),
		scenarios.NewEventsScenario(cfg),
	}
}

// selectScenarios picks the named scenario, or all of them for no name or "all".
func selectScenarios(all []scenarios.Scenario, args []string) ([]scenarios.Scenario, error) {
	if len(args) == 0 || args[0] == "all" {
		return all, nil
	}
	for _, s := range all {
		if s.Name() == args[0] {
			return []scenarios.Scenario{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown scenario %q (see 'e2e list')", args[0])
}

func listCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range scenarioList(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", s.Name(), s.Description())
			}
		},
	}
}

// runAll runs scenarios in order until ctx is done.
func runAll(ctx context.Context, toRun []scenarios.Scenario) []*scenarios.Result {
	results := make([]*scenarios.Result, 0, len(toRun))
	for _, s := range toRun {
		if ctx.Err() != nil {
			break
		}
		results = append(results, scenarios.Run(ctx, s))
	}
	return results
}

func countFailed(results []*scenarios.Result) int {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	return failed
}

func writeJSONReport(w io.Writer, results []*scenarios.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"results": results,
		"passed":  len(results) - countFailed(results),
		"failed":  countFailed(results),
	})
}

func writeTextReport(w io.Writer, results []*scenarios.Result) {
	for _, r := range results {
		status := "PASS"
		if !r.Success {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, r.Scenario, r.Duration.Round(time.Millisecond))
		for _, st := range r.Stages {
			mark := "ok"
			if !st.Success {
				mark = "failed: " + st.Error
			}
			fmt.Fprintf(w, "    %-26s %s\n", st.Name, mark)
		}
		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "    warning: %s\n", warning)
		}
		if !r.Success && len(r.Stages) == 0 {
			fmt.Fprintf(w, "    %s\n", r.Error)
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", len(results)-countFailed(results), countFailed(results))
}
