/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/valpere/promptforge/internal"
	"github.com/valpere/promptforge/internal/orchestrator"
)

var (
	promptFile   string
	resultFile   string
	backend      string
	force        bool
	geminiKey    string
	xaiKey       string
	streamOutput bool
	outputFormat string
)

var (
	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [prompt]",
	Short: "Optimize a prompt",
	Long: `Run a prompt through the optimization pipeline and print the result.

The prompt is taken from the argument, the --input file, or stdin.

Output formats:
  - text   the final prompt only (default)
  - json   the full result
  - yaml   the full result

Use --stream to print stage progress to stderr while the pipeline runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format: %s", outputFormat)
		}

		prompt, err := readPrompt(args, promptFile, os.Stdin)
		if err != nil {
			return err
		}

		req := internal.OptimizeRequest{
			Prompt:            prompt,
			Backend:           backend,
			GeminiAPIKey:      geminiKey,
			XAIAPIKey:         xaiKey,
			ForceOptimization: force,
		}
		if err := applyTuningFlags(cmd, &req); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		orch := newOrchestrator(appConfig, logger)

		var (
			out   any
			final string
		)
		if streamOutput {
			summary, err := streamProgress(ctx, orch, req, os.Stderr)
			if err != nil {
				return err
			}
			out, final = summary, summary.FinalPrompt
		} else {
			res, err := orch.Run(ctx, req)
			if err != nil {
				return err
			}
			out, final = res, res.FinalPrompt
			printMetrics(os.Stderr, res.Summary())
		}

		data, err := render(outputFormat, out, final)
		if err != nil {
			return err
		}

		if resultFile == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.MkdirAll(filepath.Dir(resultFile), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := os.WriteFile(resultFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Result written to %s\n", resultFile)
		return nil
	},
}

func readPrompt(args []string, path string, stdin *os.File) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), nil
	}

	if st, err := stdin.Stat(); err == nil && st.Mode()&os.ModeCharDevice == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	return "", errors.New("no prompt given: pass it as an argument, with --input, or on stdin")
}

func streamProgress(ctx context.Context, orch *orchestrator.Orchestrator, req internal.OptimizeRequest, w io.Writer) (*orchestrator.Summary, error) {
	var summary *orchestrator.Summary
	for ev := range orch.Stream(ctx, req) {
		switch {
		case ev.Stage == orchestrator.StageError:
			fmt.Fprintln(w, errStyle.Render("✗ "+ev.Error))
			return nil, errors.New(ev.Error)
		case ev.Stage == orchestrator.StageComplete:
			if s, ok := ev.Data.(orchestrator.Summary); ok {
				summary = &s
			}
			if ev.Message != "" {
				fmt.Fprintln(w, okStyle.Render("✓ "+ev.Message))
			}
		case ev.Status == orchestrator.StatusRunning:
			fmt.Fprintf(w, "%s %s\n", stageStyle.Render(ev.Stage), dimStyle.Render(ev.Message))
		case ev.Status == orchestrator.StatusComplete:
			fmt.Fprintln(w, okStyle.Render("✓ "+ev.Stage))
		default:
			fmt.Fprintln(w, dimStyle.Render(ev.Message))
		}
	}

	if summary == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stream ended without a result")
	}
	printMetrics(w, *summary)
	return summary, nil
}

func printMetrics(w io.Writer, s orchestrator.Summary) {
	converged := "no"
	if s.Converged && s.ConvergenceIteration != nil {
		converged = fmt.Sprintf("yes (iteration %d)", *s.ConvergenceIteration)
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf(
		"length %d → %d (%+.1f%%), converged: %s, %.1fs",
		s.OriginalLength, s.FinalLength, s.LengthChangePercent, converged, s.ProcessingTimeSeconds,
	)))
}

func render(format string, v any, final string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
		return append(data, '\n'), nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return data, nil
	default:
		return []byte(strings.TrimRight(final, "\n") + "\n"), nil
	}
}

// applyTuningFlags copies --max-iterations and --threshold into req only when
// they were given. Unset flags fall through to the configured defaults; an
// explicit value, even 0, is validated as given.
func applyTuningFlags(cmd *cobra.Command, req *internal.OptimizeRequest) error {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		n, err := flags.GetInt("max-iterations")
		if err != nil {
			return err
		}
		req.MaxIterations = internal.Ptr(n)
	}
	if flags.Changed("threshold") {
		th, err := flags.GetFloat64("threshold")
		if err != nil {
			return err
		}
		req.ConvergenceThreshold = internal.Ptr(th)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVarP(&promptFile, "input", "i", "", "File containing the prompt")
	optimizeCmd.Flags().StringVarP(&resultFile, "output", "o", "", "Write the result to this file instead of stdout")
	optimizeCmd.Flags().StringVarP(&backend, "backend", "b", "", "LLM backend: gemini or grok (default from DEFAULT_BACKEND)")
	optimizeCmd.Flags().Int("max-iterations", 0, "Maximum D/S iterations, 1-6 (default from MAX_DS_ITERATIONS)")
	optimizeCmd.Flags().Float64("threshold", 0, "Convergence threshold, 0.01-0.20 (default from CONVERGENCE_THRESHOLD)")
	optimizeCmd.Flags().BoolVar(&force, "force", true, "Optimize even when the quality check says it is not needed")
	optimizeCmd.Flags().StringVar(&geminiKey, "gemini-key", "", "Gemini API key (overrides GEMINI_API_KEY)")
	optimizeCmd.Flags().StringVar(&xaiKey, "xai-key", "", "xAI API key (overrides XAI_API_KEY)")
	optimizeCmd.Flags().BoolVar(&streamOutput, "stream", false, "Print stage progress to stderr")
	optimizeCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format: text, json, yaml")
}
