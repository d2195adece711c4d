package workflow

import "fmt"

// Error codes recorded on failed workflow log entries and surfaced in API
// error envelopes.
const (
	CodeInvalidTransition    = "invalid_transition"
	CodeForbidden            = "forbidden"
	CodeOutsideBusinessHours = "outside_business_hours"
	CodeUnknownEffectField   = "unknown_effect_field"
	CodeConflict             = "concurrency_conflict"
)

// InvalidTransitionError indicates no rule exists for the requested edge.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from %s to %s", e.From, e.To)
}

// ForbiddenError indicates the rule exists but the acting role may not use it.
type ForbiddenError struct {
	Role string
	From string
	To   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not transition %s to %s", e.Role, e.From, e.To)
}

// OutsideBusinessHoursError indicates a gated transition was requested for a
// timestamp outside the configured weekly window.
type OutsideBusinessHoursError struct {
	At     string
	Window string
}

func (e OutsideBusinessHoursError) Error() string {
	return fmt.Sprintf("%s is outside business hours %s", e.At, e.Window)
}

// UnknownEffectFieldError indicates a rule effect references a mission field
// that does not exist.
type UnknownEffectFieldError struct {
	Field string
}

func (e UnknownEffectFieldError) Error() string {
	return fmt.Sprintf("transition effect references unknown mission field %s", e.Field)
}
