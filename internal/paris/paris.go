// Package paris provides the fixed reference clock for the workflow:
// business-hours gating and operator-facing timestamps are always evaluated
// in Europe/Paris, whatever timezone the caller runs in.
package paris

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"
)

const zoneName = "Europe/Paris"

var (
	zoneOnce sync.Once
	zone     *time.Location
	zoneErr  error
)

func location() *time.Location {
	zoneOnce.Do(func() {
		zone, zoneErr = time.LoadLocation(zoneName)
		if zoneErr != nil {
			zone = time.UTC
		}
	})
	return zone
}

// Now returns the current time in the Paris zone.
func Now() time.Time {
	return time.Now().In(location())
}

// In converts any timestamp to the Paris zone.
func In(t time.Time) time.Time {
	return t.In(location())
}

// Window is a weekly business-hours band. A timestamp is inside the window
// when its Paris-local weekday is enabled and StartHour <= hour < EndHour.
type Window struct {
	Weekdays  map[time.Weekday]bool
	StartHour int
	EndHour   int
}

// DefaultWindow is Monday through Friday, 08:00-19:00 Paris time.
func DefaultWindow() Window {
	return Window{
		Weekdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		StartHour: 8,
		EndHour:   19,
	}
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:00 (%s, jours ouvrés)", w.StartHour, w.EndHour, zoneName)
}

// IsBusinessHours reports whether t falls inside the window, evaluated in
// the Paris zone. Pure function of the timestamp and the window.
func IsBusinessHours(t time.Time, w Window) bool {
	local := In(t)
	if !w.Weekdays[local.Weekday()] {
		return false
	}
	h := local.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// FormatDatetime renders a timestamp the way dispatch operators read it:
// DD/MM/YYYY à HH:MM, Paris time.
func FormatDatetime(t time.Time) string {
	return In(t).Format("02/01/2006 à 15:04")
}

// ParseTimestamp accepts the two timestamp shapes the API tolerates:
// RFC 3339 and a bare "2006-01-02 15:04:05" interpreted as Paris local time.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, location())
	if err == nil {
		return t, nil
	}
	t, err = time.ParseInLocation("2006-01-02 15:04", s, location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}
