package runner

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/formprobe/internal/classifier"
)

var (
	// ErrSubmissionRejected means the site showed an error indicator.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrSubmissionAmbiguous means no decisive signal was observed.
	ErrSubmissionAmbiguous = errors.New("submission outcome unclear")
	// ErrInfrastructure means the case could not be driven to a verdict.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// AssertionError is returned by Assert for every non-success outcome.
type AssertionError struct {
	Outcome Outcome
	kind    error
}

func (e *AssertionError) Error() string {
	switch e.kind {
	case ErrSubmissionRejected:
		return fmt.Sprintf("%s: %s: error indicator %q is visible", e.Outcome.CaseID, e.kind, e.Outcome.Evidence)
	case ErrInfrastructure:
		return fmt.Sprintf("%s: %s: %v", e.Outcome.CaseID, e.kind, e.Outcome.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Outcome.CaseID, e.kind, e.Outcome.Reason)
	}
}

// Unwrap exposes the sentinel and, for infrastructure failures, the cause.
func (e *AssertionError) Unwrap() []error {
	if e.Outcome.Err != nil {
		return []error{e.kind, e.Outcome.Err}
	}
	return []error{e.kind}
}

// Assert turns an outcome into the harness result: nil for Success, an
// *AssertionError otherwise.
func Assert(o Outcome) error {
	switch {
	case o.Err != nil:
		return &AssertionError{Outcome: o, kind: ErrInfrastructure}
	case o.Verdict == classifier.Success:
		return nil
	case o.Verdict == classifier.Failure:
		return &AssertionError{Outcome: o, kind: ErrSubmissionRejected}
	default:
		return &AssertionError{Outcome: o, kind: ErrSubmissionAmbiguous}
	}
}

// AssertAll joins the assertion errors of every outcome.
func AssertAll(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if err := Assert(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
