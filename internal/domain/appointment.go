package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "scheduled"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

// Appointment is one occurrence on a doctor's calendar. Occurrences created
// from a recurrence rule carry RecurringSeriesID pointing at the first
// (master) appointment of their series; the master itself carries nil.
// Clearing the reference detaches the occurrence from its series.
type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                uuid.UUID         `bun:"id,pk,type:uuid"`
	DoctorID          string            `bun:"doctor_id,notnull"`
	PatientID         string            `bun:"patient_id,notnull"`
	Type              string            `bun:"appointment_type,notnull"`
	StartTime         time.Time         `bun:"start_time,notnull"`
	EndTime           time.Time         `bun:"end_time,notnull"`
	Status            AppointmentStatus `bun:"status,notnull"`
	RecurringSeriesID *uuid.UUID        `bun:"recurring_series_id,type:uuid"`
	CreatedAt         time.Time         `bun:"created_at,notnull"`
	UpdatedAt         time.Time         `bun:"updated_at,notnull"`
}

// Busy projects the appointment onto the interval shape the conflict and
// slot logic consumes.
func (a Appointment) Busy() BusyInterval {
	return BusyInterval{AppointmentID: a.ID, StartTime: a.StartTime, EndTime: a.EndTime}
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = AppointmentStatusScheduled
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}
