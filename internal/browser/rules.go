package browser

import (
	"sync"
)

// Action is what happens to a paused request.
type Action int

const (
	ActionContinue Action = iota
	ActionBlock
	ActionFulfill
)

func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionFulfill:
		return "fulfill"
	default:
		return "continue"
	}
}

// InterceptedRequest is the part of a paused request rules can match on.
type InterceptedRequest struct {
	URL          string
	Method       string
	ResourceType string
}

// SyntheticResponse is served in place of the network for ActionFulfill.
type SyntheticResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// InterceptRule maps matching requests to an action. Rules with the same
// Name replace each other, so registering a rule twice is harmless.
type InterceptRule struct {
	Name    string
	Match   func(InterceptedRequest) bool
	Action  Action
	Respond func(InterceptedRequest) SyntheticResponse
}

// Decision is the resolved fate of one paused request.
type Decision struct {
	Rule     string
	Action   Action
	Response SyntheticResponse
}

// RuleSet is the rule table behind a tab's single paused-request handler.
// The first matching rule in registration order decides.
type RuleSet struct {
	mu    sync.RWMutex
	rules []InterceptRule
}

// Add registers or replaces a rule and reports whether the set was empty before.
func (rs *RuleSet) Add(rule InterceptRule) (first bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	first = len(rs.rules) == 0
	for i, r := range rs.rules {
		if r.Name == rule.Name {
			rs.rules[i] = rule
			return first
		}
	}
	rs.rules = append(rs.rules, rule)
	return first
}

// Len returns the number of registered rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Decide resolves a request. A rule that panics is skipped.
func (rs *RuleSet) Decide(req InterceptedRequest) Decision {
	rs.mu.RLock()
	rules := make([]InterceptRule, len(rs.rules))
	copy(rules, rs.rules)
	rs.mu.RUnlock()

	for _, rule := range rules {
		if d, ok := apply(rule, req); ok {
			return d
		}
	}
	return Decision{Action: ActionContinue}
}

func apply(rule InterceptRule, req InterceptedRequest) (d Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d, ok = Decision{}, false
		}
	}()

	if rule.Match == nil || !rule.Match(req) {
		return Decision{}, false
	}
	d = Decision{Rule: rule.Name, Action: rule.Action}
	if rule.Action == ActionFulfill {
		if rule.Respond == nil {
			return Decision{}, false
		}
		d.Response = rule.Respond(req)
	}
	return d, true
}
