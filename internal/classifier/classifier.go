// Package classifier decides whether a contact form submission went through.
// It is a pure function of a SubmissionEvidence snapshot and never fails.
package classifier

import "strings"

// Names of the success signals, as reported in Result.Signals.
const (
	SignalDOMSuccess    = "dom-success"
	SignalFieldsCleared = "fields-cleared"
	SignalURLRedirected = "url-redirected"
)

// Policy tunes how network evidence is weighed.
type Policy struct {
	// RequireSuccessfulResponse demotes a Success without any captured 2xx
	// response to Unclear. Off by default: network capture is informational.
	RequireSuccessfulResponse bool
}

// Result is a verdict with the evidence that decided it.
type Result struct {
	Verdict  Verdict  `json:"verdict"`
	Evidence string   `json:"evidence"`
	Reason   string   `json:"reason"`
	Signals  []string `json:"signals,omitempty"`
}

// Classifier applies a Policy to evidence snapshots.
type Classifier struct {
	policy Policy
}

// New creates a Classifier.
func New(policy Policy) *Classifier {
	return &Classifier{policy: policy}
}

// Classify runs with the default policy.
func Classify(ev SubmissionEvidence) Result {
	return New(Policy{}).Classify(ev)
}

// Classify evaluates the evidence in priority order: a visible error
// indicator wins outright, then any one positive success signal suffices.
// An unknown FieldsCleared is left out of the count.
func (c *Classifier) Classify(ev SubmissionEvidence) Result {
	if ev.DOMErrorMatch {
		pattern := ev.MatchedErrorPattern
		if pattern == "" {
			pattern = "error indicator"
		}
		return Result{
			Verdict:  Failure,
			Evidence: pattern,
			Reason:   "error indicator visible after submit",
		}
	}

	var signals []string
	if ev.DOMSuccessMatch {
		signals = append(signals, SignalDOMSuccess)
	}
	if ev.FieldsCleared.True() {
		signals = append(signals, SignalFieldsCleared)
	}
	if ev.URLRedirected {
		signals = append(signals, SignalURLRedirected)
	}

	if len(signals) == 0 {
		reason := "no success or error indicator observed"
		if !ev.FieldsCleared.Known() {
			reason += "; field state unknown"
		}
		return Result{Verdict: Unclear, Evidence: "none", Reason: reason}
	}

	evidence := strings.Join(signals, ",")
	if ev.DOMSuccessMatch && ev.MatchedSuccessPattern != "" {
		evidence = ev.MatchedSuccessPattern
	}

	if c.policy.RequireSuccessfulResponse && !ev.HasSuccessfulResponse() {
		return Result{
			Verdict:  Unclear,
			Evidence: evidence,
			Reason:   "success signals present but no 2xx response captured",
			Signals:  signals,
		}
	}

	return Result{
		Verdict:  Success,
		Evidence: evidence,
		Reason:   "success signals: " + strings.Join(signals, ", "),
		Signals:  signals,
	}
}
