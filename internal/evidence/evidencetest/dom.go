// Package evidencetest answers the evidence probe scripts from an in-memory
// page state, for use with browsertest.Page.
package evidencetest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/evidence"
)

// DOM is the visible state of a fake form page. Visible holds pattern values
// (selectors or texts) that are currently shown; Fields maps selectors to
// input values, and a missing selector is a missing element.
type DOM struct {
	mu      sync.Mutex
	visible map[string]bool
	fields  map[string]string
	// ProbeErr fails every probe evaluation.
	ProbeErr error
	// FieldErr fails only the field value probe.
	FieldErr error
}

// NewDOM returns a page with the given fields and nothing visible.
func NewDOM(fields map[string]string) *DOM {
	d := &DOM{visible: map[string]bool{}, fields: map[string]string{}}
	for k, v := range fields {
		d.fields[k] = v
	}
	return d
}

// Show makes pattern values visible.
func (d *DOM) Show(values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		d.visible[v] = true
	}
}

// Hide removes pattern values from view.
func (d *DOM) Hide(values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		delete(d.visible, v)
	}
}

// SetField sets an input value, creating the element if needed.
func (d *DOM) SetField(selector, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[selector] = value
}

// ClearFields empties every input, as a successful form reset does.
func (d *DOM) ClearFields() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.fields {
		d.fields[k] = ""
	}
}

// RemoveField deletes an input element.
func (d *DOM) RemoveField(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fields, selector)
}

// Evaluate has the browsertest.EvaluateFunc signature.
func (d *DOM) Evaluate(expression string) (interface{}, error) {
	switch {
	case strings.HasPrefix(expression, evidence.FirstVisibleMarker):
		return d.firstVisible(expression)
	case strings.HasPrefix(expression, evidence.FieldValuesMarker):
		return d.fieldValues(expression)
	default:
		return nil, fmt.Errorf("evidencetest: unexpected expression %.40q", expression)
	}
}

func (d *DOM) firstVisible(expression string) (interface{}, error) {
	var args struct {
		Patterns []classifier.Pattern `json:"patterns"`
	}
	if err := decodeArgs(expression, &args); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ProbeErr != nil {
		return nil, d.ProbeErr
	}
	for i, p := range args.Patterns {
		if d.visible[p.Value] {
			return i, nil
		}
	}
	return -1, nil
}

func (d *DOM) fieldValues(expression string) (interface{}, error) {
	var args struct {
		Selectors []string `json:"selectors"`
	}
	if err := decodeArgs(expression, &args); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ProbeErr != nil {
		return nil, d.ProbeErr
	}
	if d.FieldErr != nil {
		return nil, d.FieldErr
	}
	out := make([]map[string]interface{}, 0, len(args.Selectors))
	for _, sel := range args.Selectors {
		v, ok := d.fields[sel]
		out = append(out, map[string]interface{}{"found": ok, "value": v})
	}
	return out, nil
}

// decodeArgs reads the JSON argument of a "(function (cfg) {...})(args)" call.
func decodeArgs(expression string, v interface{}) error {
	i := strings.LastIndex(expression, "})(")
	if i < 0 || !strings.HasSuffix(expression, ")") {
		return errors.New("evidencetest: expression is not a script call")
	}
	return jsoniter.UnmarshalFromString(expression[i+3:len(expression)-1], v)
}
