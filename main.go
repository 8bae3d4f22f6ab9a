package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "flash-cosine-sim-attention",
		Short: "Memory-bounded cosine-similarity attention kernels",
		Long: `Tiled cosine-similarity attention with a fused forward/backward
kernel pair, a materializing reference baseline, a benchmark sweep
comparing the two, and a small example transformer built on top.`,
		SilenceUsage: true,
	}

	root.AddCommand(newBenchCommand())
	root.AddCommand(newGenerateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
