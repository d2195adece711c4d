package workflow

import (
	"fmt"
	"time"

	"fieldline/internal/domain"
)

func validateEffect(e domain.Effect) error {
	kind, ok := domain.MissionEffectFields[e.Field]
	if !ok {
		return UnknownEffectFieldError{Field: e.Field}
	}
	switch e.Op {
	case "set":
		if e.Value == "" {
			return fmt.Errorf("set effect on %s requires a value", e.Field)
		}
	case "set_now":
		if kind != domain.FieldTime {
			return fmt.Errorf("set_now effect requires a timestamp field, got %s", e.Field)
		}
	case "clear":
		if kind == domain.FieldInt {
			return fmt.Errorf("clear effect not supported on counter field %s", e.Field)
		}
	case "increment":
		if kind != domain.FieldInt {
			return fmt.Errorf("increment effect requires a counter field, got %s", e.Field)
		}
	default:
		return fmt.Errorf("unknown effect op %q", e.Op)
	}
	return nil
}

// applyEffects mutates the mission copy according to the rule's declared
// effects. Re-validates shapes so a rule set that bypassed NewTable still
// fails with a structured error instead of silently no-opping.
func applyEffects(m *domain.Mission, effects []domain.Effect, now time.Time) error {
	for _, e := range effects {
		if err := validateEffect(e); err != nil {
			return err
		}
		switch e.Op {
		case "set":
			v := e.Value
			setMissionField(m, e.Field, &v)
		case "set_now":
			v := now.UTC().Format(time.RFC3339)
			setMissionField(m, e.Field, &v)
		case "clear":
			setMissionField(m, e.Field, nil)
		case "increment":
			if e.Field == "revisits" {
				m.Revisits += e.Delta
			}
		}
	}
	return nil
}

func setMissionField(m *domain.Mission, field string, value *string) {
	switch field {
	case "scheduled_at":
		m.ScheduledAt = value
	case "published_at":
		m.PublishedAt = value
	case "confirmed_at":
		m.ConfirmedAt = value
	case "started_at":
		m.StartedAt = value
	case "completed_at":
		m.CompletedAt = value
	case "cancelled_at":
		m.CancelledAt = value
	case "blocked_reason":
		m.BlockedReason = value
	}
}
