package classifier

import (
	"fmt"
	"strings"
)

// Verdict is the ternary outcome of a submission attempt.
type Verdict int

const (
	// Unclear is the zero value so an unset verdict never reads as a pass.
	Unclear Verdict = iota
	Success
	Failure
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unclear"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "success":
		*v = Success
	case "failure":
		*v = Failure
	case "unclear", "":
		*v = Unclear
	default:
		return fmt.Errorf("unknown verdict %q", string(b))
	}
	return nil
}

// Signal is a tri-state boolean. Unknown means the observation could not be
// made, which is different from observing false.
type Signal int8

const (
	SignalUnknown Signal = iota
	SignalFalse
	SignalTrue
)

// SignalOf converts an observed boolean.
func SignalOf(b bool) Signal {
	if b {
		return SignalTrue
	}
	return SignalFalse
}

// Known reports whether the observation was made.
func (s Signal) Known() bool { return s != SignalUnknown }

// True reports whether the observation was made and held.
func (s Signal) True() bool { return s == SignalTrue }

func (s Signal) String() string {
	switch s {
	case SignalTrue:
		return "true"
	case SignalFalse:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null.
func (s Signal) MarshalJSON() ([]byte, error) {
	switch s {
	case SignalTrue:
		return []byte("true"), nil
	case SignalFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false and null.
func (s *Signal) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "true":
		*s = SignalTrue
	case "false":
		*s = SignalFalse
	case "null", `"unknown"`:
		*s = SignalUnknown
	default:
		return fmt.Errorf("invalid signal %s", string(b))
	}
	return nil
}
