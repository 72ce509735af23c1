package domain

import (
	"time"

	"github.com/google/uuid"
)

// BusyInterval is the projection of one non-cancelled appointment that the
// conflict and slot logic consumes. It is derived from a doctor's calendar
// by the persistence layer and never stored.
type BusyInterval struct {
	AppointmentID uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
}

// Overlaps is the half-open interval test: [aStart,aEnd) and [bStart,bEnd)
// intersect. Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// FindConflicts returns every busy interval intersecting the candidate
// [candStart,candEnd), preserving the input order. An empty result means no
// conflict; returning the colliding intervals rather than a boolean lets
// the caller report which appointments collide. exclude skips the interval
// belonging to an appointment being moved so it is never its own conflict;
// pass uuid.Nil to exclude nothing.
func FindConflicts(candStart, candEnd time.Time, busy []BusyInterval, exclude uuid.UUID) []BusyInterval {
	var conflicts []BusyInterval
	for _, b := range busy {
		if exclude != uuid.Nil && b.AppointmentID == exclude {
			continue
		}
		if Overlaps(b.StartTime, b.EndTime, candStart, candEnd) {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts
}
