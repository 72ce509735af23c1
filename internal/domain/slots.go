package domain

import (
	"time"

	"github.com/google/uuid"
)

// DayWindow is one day's working hours expressed as offsets from midnight.
type DayWindow struct {
	Start time.Duration
	End   time.Duration
}

// WorkingHours maps a weekday to its working window. Days without an entry
// produce no slots.
type WorkingHours map[time.Weekday]DayWindow

// Slot is one free candidate interval produced by FindAvailableSlots.
type Slot struct {
	Start time.Time
	End   time.Time
}

// FindAvailableSlots walks every day in [windowStart, windowEnd), steps
// through that day's working window in granularity increments, and emits
// each candidate [t, t+duration) that FindConflicts clears against busy.
// limit caps the number of results; 0 means unbounded. The result is
// ordered by start time and the function is pure, so a caller can re-invoke
// it with a later windowStart to resume.
func FindAvailableSlots(windowStart, windowEnd time.Time, hours WorkingHours, duration, granularity time.Duration, busy []BusyInterval, limit int) []Slot {
	if duration <= 0 || granularity <= 0 {
		return nil
	}

	var out []Slot
	for day := dateOf(windowStart); day.Before(windowEnd); day = day.AddDate(0, 0, 1) {
		w, ok := hours[day.Weekday()]
		if !ok || w.End <= w.Start {
			continue
		}
		dayEnd := day.Add(w.End)
		for t := day.Add(w.Start); !t.Add(duration).After(dayEnd); t = t.Add(granularity) {
			end := t.Add(duration)
			if t.Before(windowStart) || end.After(windowEnd) {
				continue
			}
			if len(FindConflicts(t, end, busy, uuid.Nil)) > 0 {
				continue
			}
			out = append(out, Slot{Start: t, End: end})
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}
