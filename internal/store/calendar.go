package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
)

// CalendarTx is the view of a doctor's calendar inside one locked
// transaction.
type CalendarTx interface {
	// InsertAppointment persists one occurrence. If the storage-layer
	// overlap backstop rejects the row, it returns ErrConflict and the
	// transaction remains usable; committed siblings are unaffected.
	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error
	BusyIntervals(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error)

	// CancelSeries marks the series' non-completed, non-cancelled
	// occurrences cancelled and reports how many rows changed. futureOnly
	// restricts the sweep to occurrences starting at or after now.
	CancelSeries(ctx context.Context, doctorID string, seriesID uuid.UUID, futureOnly bool, now time.Time) (int, error)
}
