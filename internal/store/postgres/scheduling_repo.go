package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/store"
)

const overlapConstraint = "appointments_doctor_no_overlap"

type SchedulingRepo struct {
	db *bun.DB
}

func NewSchedulingRepo(db *bun.DB) *SchedulingRepo {
	return &SchedulingRepo{db: db}
}

type calendarTx struct {
	tx bun.Tx
}

func (r *SchedulingRepo) ListAppointments(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SchedulingRepo) DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error {
	return r.InDoctorTransaction(ctx, doctorID, func(ctx context.Context, tx store.CalendarTx) error {
		return tx.DeleteAppointment(ctx, doctorID, appointmentID)
	})
}

func (r *SchedulingRepo) BusyIntervals(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	return busyIntervals(ctx, r.db, doctorID, windowStart, windowEnd)
}

func (r *SchedulingRepo) InDoctorTransaction(ctx context.Context, doctorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDoctorCalendar(ctx, tx, doctorID); err != nil {
			return err
		}
		return fn(ctx, calendarTx{tx: tx})
	})
}

// lockDoctorCalendar serializes calendar writers per doctor for the span of
// the transaction, so busy-interval snapshots taken inside it cannot go
// stale before the writes commit.
func lockDoctorCalendar(ctx context.Context, tx bun.Tx, doctorID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", doctorID).Exec(ctx)
	return err
}

func (r calendarTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	// A savepoint keeps the enclosing transaction usable when the overlap
	// backstop rejects this row: siblings inserted before and after are
	// unaffected.
	if _, err := r.tx.NewRaw("SAVEPOINT insert_appt").Exec(ctx); err != nil {
		return domain.Appointment{}, err
	}

	m := appt
	_, err := r.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23P01" && pgErr.ConstraintName == overlapConstraint {
				if _, rbErr := r.tx.NewRaw("ROLLBACK TO SAVEPOINT insert_appt").Exec(ctx); rbErr != nil {
					return domain.Appointment{}, rbErr
				}
				return domain.Appointment{}, store.ErrConflict
			}
			if pgErr.Code == "23505" {
				if _, rbErr := r.tx.NewRaw("ROLLBACK TO SAVEPOINT insert_appt").Exec(ctx); rbErr != nil {
					return domain.Appointment{}, rbErr
				}

				var existing domain.Appointment
				selectErr := r.tx.NewSelect().
					Model(&existing).
					Where("id = ?", m.ID).
					Limit(1).
					Scan(ctx)
				if selectErr != nil {
					return domain.Appointment{}, err
				}

				if existing.DoctorID != appt.DoctorID ||
					existing.PatientID != appt.PatientID ||
					existing.Type != appt.Type ||
					!existing.StartTime.Equal(appt.StartTime) ||
					!existing.EndTime.Equal(appt.EndTime) {
					return domain.Appointment{}, store.ErrIdempotencyConflict
				}

				return existing, nil
			}
		}
		return domain.Appointment{}, err
	}

	if _, err := r.tx.NewRaw("RELEASE SAVEPOINT insert_appt").Exec(ctx); err != nil {
		return domain.Appointment{}, err
	}
	return m, nil
}

func (r calendarTx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.tx.NewSelect().
		Model(&appt).
		Where("id = ?", appointmentID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (r calendarTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	res, err := r.tx.NewUpdate().
		Model(&m).
		WherePK().
		Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == overlapConstraint {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return m, nil
}

func (r calendarTx) BusyIntervals(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	return busyIntervals(ctx, r.tx, doctorID, windowStart, windowEnd)
}

func (r calendarTx) DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error {
	// The series back-reference is ON DELETE SET NULL, so deleting a master
	// detaches its dependents instead of cascading.
	res, err := r.tx.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("doctor_id = ?", doctorID).
		Where("id = ?", appointmentID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r calendarTx) CancelSeries(ctx context.Context, doctorID string, seriesID uuid.UUID, futureOnly bool, now time.Time) (int, error) {
	q := r.tx.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("status = ?", domain.AppointmentStatusCancelled).
		Set("updated_at = ?", time.Now().UTC()).
		Where("doctor_id = ?", doctorID).
		Where("(recurring_series_id = ? OR id = ?)", seriesID, seriesID).
		Where("status NOT IN (?, ?)", domain.AppointmentStatusCompleted, domain.AppointmentStatusCancelled)
	if futureOnly {
		q = q.Where("start_time >= ?", now.UTC())
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func busyIntervals(ctx context.Context, db bun.IDB, doctorID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Column("id", "start_time", "end_time").
		Where("doctor_id = ?", doctorID).
		Where("status <> ?", domain.AppointmentStatusCancelled).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.BusyInterval, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.Busy())
	}
	return out, nil
}
