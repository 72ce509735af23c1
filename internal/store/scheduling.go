package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
)

// SchedulingRepository is the persistence collaborator the scheduling
// engine depends on. Reads outside a transaction are plain snapshots;
// anything that writes a doctor's calendar goes through
// InDoctorTransaction, which serializes writers per doctor.
type SchedulingRepository interface {
	ListAppointments(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error

	// BusyIntervals is a snapshot read of the doctor's non-cancelled
	// appointment intervals overlapping the window, ordered by start time.
	BusyIntervals(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error)

	// InDoctorTransaction runs fn inside one transaction that holds the
	// doctor's calendar lock, so the busy intervals read through tx cannot
	// go stale before fn's writes commit. The whole transaction commits or
	// rolls back as a unit.
	InDoctorTransaction(ctx context.Context, doctorID string, fn func(ctx context.Context, tx CalendarTx) error) error
}
