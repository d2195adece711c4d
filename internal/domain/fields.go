package domain

// FieldKind classifies a mission field that transition effects may touch.
type FieldKind int

const (
	FieldTime FieldKind = iota
	FieldString
	FieldInt
)

// MissionEffectFields is the registry of mission fields assignable by
// transition effects. Rule sets are checked against it when they load, so a
// rule referencing a field that does not exist is rejected up front.
var MissionEffectFields = map[string]FieldKind{
	"scheduled_at":   FieldTime,
	"published_at":   FieldTime,
	"confirmed_at":   FieldTime,
	"started_at":     FieldTime,
	"completed_at":   FieldTime,
	"cancelled_at":   FieldTime,
	"blocked_reason": FieldString,
	"revisits":       FieldInt,
}
