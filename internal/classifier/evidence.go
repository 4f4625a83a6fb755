package classifier

import "time"

// CapturedRequest is an allow-listed request seen while the form was submitted.
type CapturedRequest struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// CapturedResponse is an allow-listed response seen while the form was submitted.
type CapturedResponse struct {
	URL        string `json:"url"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
}

// Successful reports a 2xx status.
func (r CapturedResponse) Successful() bool {
	return r.Status >= 200 && r.Status < 300
}

// SubmissionEvidence is a snapshot of observable browser state taken after
// the settle delay following the submit action.
type SubmissionEvidence struct {
	DOMSuccessMatch       bool   `json:"domSuccessMatch"`
	MatchedSuccessPattern string `json:"matchedSuccessPattern,omitempty"`
	DOMErrorMatch         bool   `json:"domErrorMatch"`
	MatchedErrorPattern   string `json:"matchedErrorPattern,omitempty"`

	// FieldsCleared is Unknown whenever the form could not be inspected,
	// in particular after navigating away from the form page.
	FieldsCleared Signal `json:"fieldsCleared"`
	URLRedirected bool   `json:"urlRedirected"`
	FinalURL      string `json:"finalUrl,omitempty"`

	CapturedRequests  []CapturedRequest  `json:"capturedRequests"`
	CapturedResponses []CapturedResponse `json:"capturedResponses"`

	CollectedAt time.Time `json:"collectedAt"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
}

// HasSuccessfulResponse reports whether any captured response was 2xx.
func (e SubmissionEvidence) HasSuccessfulResponse() bool {
	for _, r := range e.CapturedResponses {
		if r.Successful() {
			return true
		}
	}
	return false
}
