package workflow

import (
	"fmt"

	"fieldline/internal/domain"
)

// Table is the static transition table: every legal (from, to) edge with its
// allowed roles, description and declared effects. Built once from config,
// immutable afterwards.
type Table struct {
	rules    []domain.TransitionRule
	byEdge   map[string]int
	statuses map[string]bool
	terminal map[string]bool
	initial  string
}

func edgeKey(from, to string) string { return from + "\x00" + to }

// NewTable builds and validates the table. Effect shapes are checked against
// the mission field registry here, at registration time, not per call.
func NewTable(initial string, statuses, terminal []string, rules []domain.TransitionRule) (*Table, error) {
	t := &Table{
		rules:    rules,
		byEdge:   make(map[string]int, len(rules)),
		statuses: make(map[string]bool, len(statuses)),
		terminal: make(map[string]bool, len(terminal)),
		initial:  initial,
	}
	for _, s := range statuses {
		t.statuses[s] = true
	}
	for _, s := range terminal {
		if !t.statuses[s] {
			return nil, fmt.Errorf("terminal status %s not in statuses", s)
		}
		t.terminal[s] = true
	}
	if !t.statuses[initial] {
		return nil, fmt.Errorf("initial status %s not in statuses", initial)
	}
	for i, r := range rules {
		if !t.statuses[r.FromStatus] || !t.statuses[r.ToStatus] {
			return nil, fmt.Errorf("transition %s -> %s references unknown status", r.FromStatus, r.ToStatus)
		}
		if t.terminal[r.FromStatus] {
			return nil, fmt.Errorf("terminal status %s has outgoing transition", r.FromStatus)
		}
		key := edgeKey(r.FromStatus, r.ToStatus)
		if _, dup := t.byEdge[key]; dup {
			return nil, fmt.Errorf("duplicate transition %s -> %s", r.FromStatus, r.ToStatus)
		}
		t.byEdge[key] = i
		for _, e := range r.Effects {
			if err := validateEffect(e); err != nil {
				return nil, fmt.Errorf("transition %s -> %s: %w", r.FromStatus, r.ToStatus, err)
			}
		}
	}
	return t, nil
}

// List returns every rule, for documentation and UI display.
func (t *Table) List() []domain.TransitionRule {
	out := make([]domain.TransitionRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Find returns the rule for (from, to) if one exists. A self-transition is
// legal only when explicitly declared as an edge.
func (t *Table) Find(from, to string) (domain.TransitionRule, bool) {
	i, ok := t.byEdge[edgeKey(from, to)]
	if !ok {
		return domain.TransitionRule{}, false
	}
	return t.rules[i], true
}

// NextFor lists the rules leaving a status that the given role may trigger.
// An empty role matches nothing; an empty result for a terminal status is
// the expected shape.
func (t *Table) NextFor(status, role string) []domain.TransitionRule {
	var out []domain.TransitionRule
	for _, r := range t.rules {
		if r.FromStatus != status {
			continue
		}
		if roleAllowed(r, role) {
			out = append(out, r)
		}
	}
	return out
}

func roleAllowed(r domain.TransitionRule, role string) bool {
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

func (t *Table) InitialStatus() string { return t.initial }

func (t *Table) IsStatus(s string) bool { return t.statuses[s] }

func (t *Table) IsTerminal(s string) bool { return t.terminal[s] }

// TerminalStatuses returns the statuses with no outgoing rules by policy.
func (t *Table) TerminalStatuses() []string {
	var out []string
	for s := range t.terminal {
		out = append(out, s)
	}
	return out
}
