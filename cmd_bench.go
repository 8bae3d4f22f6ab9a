package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// newBenchCommand builds the `bench` subcommand: the shape/dtype timing
// sweep over the fused and reference attention paths. Flags mirror the
// original benchmark driver (--causal, --only-forwards,
// --only-backwards) plus shape overrides and the working-set limit that
// makes reference OOMs reproducible on any machine.
func newBenchCommand() *cobra.Command {
	var (
		causal        bool
		onlyForwards  bool
		onlyBackwards bool
		batch         int
		heads         int
		dim           int
		seqLens       []int
		iterations    int
		memLimitMB    int64
		jsonPath      string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time fused vs reference attention over a shape/dtype sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyForwards && onlyBackwards {
				return fmt.Errorf("--only-forwards and --only-backwards are mutually exclusive")
			}

			if memLimitMB > 0 {
				compute := GetGlobalComputeConfig()
				compute.WorkingSetLimitBytes = memLimitMB << 20
				SetGlobalComputeConfig(compute)
			}

			cfg := DefaultBenchConfig()
			cfg.Causal = causal
			cfg.Batch = batch
			cfg.Heads = heads
			cfg.Dim = dim
			cfg.Iterations = iterations
			if len(seqLens) > 0 {
				cfg.SeqLens = seqLens
			}

			// Both passes by default; each --only-* flag drops the other
			// pass from the timed region.
			cfg.Forwards = !onlyBackwards
			cfg.Backwards = !onlyForwards

			return RunBenchCommand(cfg, jsonPath)
		},
	}

	cmd.Flags().BoolVar(&causal, "causal", false, "apply causal masking")
	cmd.Flags().BoolVar(&onlyForwards, "only-forwards", false, "time the forward pass only")
	cmd.Flags().BoolVar(&onlyBackwards, "only-backwards", false, "time the backward pass only (forward runs untimed)")
	cmd.Flags().IntVar(&batch, "batch", 4, "batch size")
	cmd.Flags().IntVar(&heads, "heads", 8, "attention heads")
	cmd.Flags().IntVar(&dim, "dim", 64, "feature dimension per head")
	cmd.Flags().IntSliceVar(&seqLens, "seq", nil, "sequence lengths to sweep (default 128..4096)")
	cmd.Flags().IntVar(&iterations, "iterations", 3, "timed iterations per configuration")
	cmd.Flags().Int64Var(&memLimitMB, "mem-limit-mb", 0, "per-call working-set limit in MiB (0 = unlimited)")
	cmd.Flags().StringVar(&jsonPath, "json", "", "write results to this JSON file")

	return cmd
}

// RunBenchCommand runs the sweep, prints the table, and optionally saves
// the suite as JSON.
func RunBenchCommand(cfg BenchConfig, jsonPath string) error {
	hw := DetectHardware()
	slog.Info("starting benchmark sweep",
		"os", hw.OS, "arch", hw.Arch, "cpus", hw.NumCPU,
		"batch", cfg.Batch, "heads", cfg.Heads, "dim", cfg.Dim)

	suite, err := RunAttentionBenchmark(cfg)
	if err != nil {
		return err
	}

	suite.PrintTable(os.Stdout)

	if jsonPath != "" {
		if err := suite.SaveJSON(jsonPath); err != nil {
			return err
		}
		slog.Info("saved benchmark results", "path", jsonPath)
	}

	return nil
}
