// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/runner"
)

// Reporter writes case outcomes to an output.
type Reporter interface {
	// Write emits a single outcome.
	Write(outcome runner.Outcome) error
	// Close finalizes the report and closes any underlying file.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format ("text" or "json") writing to outputPath,
// or to stdout when the path is empty or "stdout".
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		writer = &nopWriteCloser{color.Output}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "text", "":
		return NewTextReporter(writer, isStdOut), nil
	case "json":
		return NewJSONReporter(writer), nil
	default:
		if !isStdOut {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// TextReporter prints one line per case, coloured by verdict.
type TextReporter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	colors map[classifier.Verdict]*color.Color
	plain  *color.Color
}

// NewTextReporter creates a text reporter. Colour is only used when colored
// is set and the terminal supports it.
func NewTextReporter(w io.WriteCloser, colored bool) *TextReporter {
	r := &TextReporter{
		w: w,
		colors: map[classifier.Verdict]*color.Color{
			classifier.Success: color.New(color.FgGreen, color.Bold),
			classifier.Failure: color.New(color.FgRed, color.Bold),
			classifier.Unclear: color.New(color.FgYellow, color.Bold),
		},
		plain: color.New(color.FgHiBlack),
	}
	for _, c := range r.colors {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	if colored {
		r.plain.EnableColor()
	} else {
		r.plain.DisableColor()
	}
	return r
}

// Write implements Reporter.
func (r *TextReporter) Write(o runner.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	label := strings.ToUpper(o.Verdict.String())
	if o.Err != nil {
		label = "ERROR"
	}
	c := r.colors[o.Verdict]
	if o.Err != nil {
		c = r.colors[classifier.Failure]
	}

	detail := o.Reason
	if o.Err != nil {
		detail = o.Err.Error()
	} else if o.Evidence != "" && o.Evidence != "none" {
		detail = fmt.Sprintf("%s (%s)", o.Reason, o.Evidence)
	}

	_, err := fmt.Fprintf(r.w, "%s %-8s %s %s\n",
		c.Sprintf("%-7s", label),
		o.CaseID,
		detail,
		r.plain.Sprintf("[%s]", o.Duration.Round(time.Millisecond)),
	)
	return err
}

// Close implements Reporter.
func (r *TextReporter) Close() error {
	return r.w.Close()
}

// JSONReporter writes one JSON object per line.
type JSONReporter struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *jsoniter.Encoder
}

// NewJSONReporter creates a JSON lines reporter.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{w: w, enc: jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)}
}

// Write implements Reporter.
func (r *JSONReporter) Write(o runner.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(o); err != nil {
		return fmt.Errorf("failed to encode outcome %s: %w", o.CaseID, err)
	}
	return nil
}

// Close implements Reporter.
func (r *JSONReporter) Close() error {
	return r.w.Close()
}
