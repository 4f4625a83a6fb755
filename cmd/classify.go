package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/evidence"
	"github.com/xkilldash9x/formprobe/internal/reporting"
	"github.com/xkilldash9x/formprobe/internal/runner"
)

// newClassifyCmd creates the `classify` command, which re-runs the
// classifier over a saved evidence snapshot without a browser.
func newClassifyCmd() *cobra.Command {
	var domPath, format string

	classifyCmd := &cobra.Command{
		Use:   "classify <evidence.json>",
		Short: "Classifies a saved evidence snapshot offline",
		Long: `Classifies a saved evidence snapshot offline.

With --dom the DOM signals are recomputed from a saved HTML snapshot,
which is useful after the pattern table changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			out, err := classifyFile(cfg, args[0], domPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			var rep reporting.Reporter
			switch format {
			case "json":
				rep = reporting.NewJSONReporter(nopCloser{w})
			case "text", "":
				rep = reporting.NewTextReporter(nopCloser{w}, w == os.Stdout && !color.NoColor)
			default:
				return fmt.Errorf("unsupported output format: %s", format)
			}
			if err := rep.Write(out); err != nil {
				return err
			}
			return runner.Assert(out)
		},
	}

	classifyCmd.Flags().StringVar(&domPath, "dom", "", "saved HTML snapshot to recompute DOM matches from")
	classifyCmd.Flags().StringVarP(&format, "format", "f", "text", "verdict output format (text, json)")
	return classifyCmd
}

// classifyFile loads an evidence snapshot, optionally rematches a DOM
// snapshot, and classifies it with the configured policy.
func classifyFile(cfg *config.Config, path, domPath string) (runner.Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("failed to read evidence: %w", err)
	}
	var ev classifier.SubmissionEvidence
	if err := jsoniter.Unmarshal(data, &ev); err != nil {
		return runner.Outcome{}, fmt.Errorf("failed to decode evidence %s: %w", path, err)
	}

	if domPath != "" {
		f, err := os.Open(domPath)
		if err != nil {
			return runner.Outcome{}, fmt.Errorf("failed to open DOM snapshot: %w", err)
		}
		defer f.Close()
		match, err := evidence.MatchDocument(f, classifier.DefaultTable().ForLocale(cfg.Classifier.Locale))
		if err != nil {
			return runner.Outcome{}, err
		}
		match.Apply(&ev)
	}

	res := classifier.New(classifier.Policy{RequireSuccessfulResponse: cfg.Classifier.Require2xxResponse}).Classify(ev)
	return runner.Outcome{
		CaseID:   caseIDFromPath(path),
		Verdict:  res.Verdict,
		Evidence: res.Evidence,
		Reason:   res.Reason,
		Signals:  res.Signals,
		Snapshot: ev,
	}, nil
}

// caseIDFromPath names the case after the artifacts directory holding the
// evidence file, falling back to the file name.
func caseIDFromPath(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == string(filepath.Separator) {
		return filepath.Base(path)
	}
	return dir
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
