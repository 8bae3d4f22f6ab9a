package main

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/spf13/cobra"
)

// newGenerateCommand builds the `generate` subcommand: an end-to-end
// demonstration that runs the attention primitive inside a full
// transformer stack. The model is randomly initialized (training is out
// of scope here), so the output is noise; the point is exercising the
// kernel through embedding, multi-head split, sampling, and the sliding
// context window.
func newGenerateCommand() *cobra.Command {
	var (
		tokens      int
		layers      int
		heads       int
		embedDim    int
		seqLen      int
		temperature float64
		seed        int64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample tokens from a random-weight cosine-sim transformer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultConfig()
			cfg.NumLayers = layers
			cfg.NumHeads = heads
			cfg.EmbedDim = embedDim
			cfg.SeqLen = seqLen
			if embedDim%heads != 0 {
				return fmt.Errorf("embed-dim %d must be divisible by heads %d", embedDim, heads)
			}
			cfg.HeadDim = embedDim / heads

			return RunGenerateCommand(cfg, tokens, temperature, seed)
		},
	}

	cmd.Flags().IntVar(&tokens, "tokens", 64, "number of tokens to generate")
	cmd.Flags().IntVar(&layers, "layers", 4, "transformer depth")
	cmd.Flags().IntVar(&heads, "heads", 8, "attention heads")
	cmd.Flags().IntVar(&embedDim, "embed-dim", 128, "embedding width")
	cmd.Flags().IntVar(&seqLen, "seq-len", 256, "maximum context length")
	cmd.Flags().Float64Var(&temperature, "temperature", 1.0, "sampling temperature")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed (0 = nondeterministic)")

	return cmd
}

// RunGenerateCommand builds the model and streams sampled byte tokens.
func RunGenerateCommand(cfg Config, tokens int, temperature float64, seed int64) error {
	slog.Info("building model",
		"layers", cfg.NumLayers, "heads", cfg.NumHeads,
		"embed_dim", cfg.EmbedDim, "seq_len", cfg.SeqLen)

	model := NewCosineSimTransformer(cfg)

	sample := NewSampleConfig()
	sample.Temperature = temperature
	if seed != 0 {
		sample.Rng = rand.New(rand.NewSource(seed))
	}

	prompt := []int{0}
	generated := model.Generate(prompt, tokens, sample)

	fmt.Printf("prompt: %v\n", prompt)
	fmt.Printf("generated %d tokens: %v\n", len(generated), generated)
	return nil
}
