package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/store"
)

// maxAppointmentDuration caps a single occurrence's length.
const maxAppointmentDuration = 24 * time.Hour

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// ConflictError reports which busy intervals collide with a candidate.
type ConflictError struct {
	Conflicts []domain.BusyInterval
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("time conflicts with %d existing appointment(s)", len(e.Conflicts))
}

type Service struct {
	repo store.SchedulingRepository
}

func NewService(repo store.SchedulingRepository) *Service {
	return &Service{repo: repo}
}

type CreateAppointmentInput struct {
	DoctorID       string
	PatientID      string
	Type           string
	StartTime      time.Time
	EndTime        time.Time
	IdempotencyKey string
}

func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (domain.Appointment, error) {
	if in.DoctorID == "" {
		return domain.Appointment{}, validationError("doctor_id is required")
	}
	if in.PatientID == "" {
		return domain.Appointment{}, validationError("patient_id is required")
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if err := checkSpan(start, end); err != nil {
		return domain.Appointment{}, err
	}

	appt := domain.Appointment{
		DoctorID:  in.DoctorID,
		PatientID: in.PatientID,
		Type:      normalizeType(in.Type),
		StartTime: start,
		EndTime:   end,
		Status:    domain.AppointmentStatusScheduled,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("medsched:create_appointment:"+in.DoctorID+":"+key))
	}

	var out domain.Appointment
	err := s.repo.InDoctorTransaction(ctx, in.DoctorID, func(ctx context.Context, tx store.CalendarTx) error {
		busy, err := tx.BusyIntervals(ctx, in.DoctorID, start, end)
		if err != nil {
			return err
		}
		if conflicts := domain.FindConflicts(start, end, busy, appt.ID); len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		created, err := tx.InsertAppointment(ctx, appt)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (s *Service) ListAppointments(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	if doctorID == "" {
		return nil, validationError("doctor_id is required")
	}

	start := windowStart.UTC()
	end := windowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return nil, validationError("window_end must be after window_start")
	}

	return s.repo.ListAppointments(ctx, doctorID, start, end)
}

func (s *Service) DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error {
	if doctorID == "" {
		return validationError("doctor_id is required")
	}
	if appointmentID == uuid.Nil {
		return validationError("appointment_id is required")
	}
	return s.repo.DeleteAppointment(ctx, doctorID, appointmentID)
}

func (s *Service) CancelAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) (domain.Appointment, error) {
	if doctorID == "" {
		return domain.Appointment{}, validationError("doctor_id is required")
	}
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	var out domain.Appointment
	err := s.repo.InDoctorTransaction(ctx, doctorID, func(ctx context.Context, tx store.CalendarTx) error {
		appt, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.DoctorID != doctorID {
			return store.ErrNotFound
		}
		if appt.Status == domain.AppointmentStatusCancelled {
			out = appt
			return nil
		}
		// Cancelled rows are kept for audit and drop out of every future
		// conflict check.
		appt.Status = domain.AppointmentStatusCancelled
		updated, err := tx.UpdateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

type CreateSeriesInput struct {
	DoctorID  string
	PatientID string
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Rule      domain.Rule
}

// SkippedOccurrence is one candidate the series creation rejected, with the
// appointments it collided with. A backstop rejection from the storage
// layer arrives here too, with no conflicting ids attached.
type SkippedOccurrence struct {
	StartTime       time.Time
	EndTime         time.Time
	ConflictingWith []uuid.UUID
}

// SeriesResult is the complete accepted/rejected partition of one creation
// request. Generated reports how many occurrences the rule expanded to, so
// a caller can see when the hard cap truncated an unbounded rule.
type SeriesResult struct {
	Created   []domain.Appointment
	Skipped   []SkippedOccurrence
	Generated int
}

// CreateSeries validates and expands the rule, screens every candidate
// occurrence against the doctor's calendar, and persists the accepted
// subset as one series in a single locked transaction. Conflicting
// candidates never abort the batch; they are reported in Skipped. The first
// accepted occurrence becomes the series master and its siblings reference
// it.
func (s *Service) CreateSeries(ctx context.Context, in CreateSeriesInput) (SeriesResult, error) {
	if in.DoctorID == "" {
		return SeriesResult{}, validationError("doctor_id is required")
	}
	if in.PatientID == "" {
		return SeriesResult{}, validationError("patient_id is required")
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if err := checkSpan(start, end); err != nil {
		return SeriesResult{}, err
	}
	duration := end.Sub(start)

	rule, err := domain.ValidateRule(in.Rule, start)
	if err != nil {
		return SeriesResult{}, err
	}

	occs := domain.ExpandRule(rule, start, duration)
	if len(occs) == 0 {
		return SeriesResult{}, validationError("recurrence rule produces no occurrences")
	}

	result := SeriesResult{Generated: len(occs)}
	windowStart := occs[0].Start
	windowEnd := occs[len(occs)-1].End

	err = s.repo.InDoctorTransaction(ctx, in.DoctorID, func(ctx context.Context, tx store.CalendarTx) error {
		busy, err := tx.BusyIntervals(ctx, in.DoctorID, windowStart, windowEnd)
		if err != nil {
			return err
		}

		// Accepted siblings join the busy set immediately so every later
		// candidate is screened against the same calendar the inserts are
		// building, not a stale snapshot.
		var masterID *uuid.UUID
		for _, occ := range occs {
			conflicts := domain.FindConflicts(occ.Start, occ.End, busy, uuid.Nil)
			if len(conflicts) > 0 {
				result.Skipped = append(result.Skipped, skippedFrom(occ, conflicts))
				continue
			}

			appt := domain.Appointment{
				DoctorID:          in.DoctorID,
				PatientID:         in.PatientID,
				Type:              normalizeType(in.Type),
				StartTime:         occ.Start,
				EndTime:           occ.End,
				Status:            domain.AppointmentStatusScheduled,
				RecurringSeriesID: masterID,
			}

			created, err := tx.InsertAppointment(ctx, appt)
			if errors.Is(err, store.ErrConflict) {
				// Storage backstop caught what the snapshot missed; shaped
				// like any other conflict, siblings stand.
				result.Skipped = append(result.Skipped, SkippedOccurrence{StartTime: occ.Start, EndTime: occ.End})
				continue
			}
			if err != nil {
				return err
			}

			if masterID == nil {
				id := created.ID
				masterID = &id
			}
			result.Created = append(result.Created, created)
			busy = append(busy, created.Busy())
		}
		return nil
	})
	if err != nil {
		return SeriesResult{}, err
	}
	return result, nil
}

type EditOccurrenceInput struct {
	DoctorID      string
	AppointmentID uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	Type          string
}

// EditOccurrence reschedules one occurrence. If it belongs to a series it
// is detached first (its back-reference cleared), so bulk series operations
// never silently touch a manually adjusted occurrence. The conflict
// re-check excludes the appointment itself.
func (s *Service) EditOccurrence(ctx context.Context, in EditOccurrenceInput) (domain.Appointment, error) {
	if in.DoctorID == "" {
		return domain.Appointment{}, validationError("doctor_id is required")
	}
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if err := checkSpan(start, end); err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err := s.repo.InDoctorTransaction(ctx, in.DoctorID, func(ctx context.Context, tx store.CalendarTx) error {
		appt, err := tx.GetAppointment(ctx, in.AppointmentID)
		if err != nil {
			return err
		}
		if appt.DoctorID != in.DoctorID {
			return store.ErrNotFound
		}
		if appt.Status == domain.AppointmentStatusCancelled || appt.Status == domain.AppointmentStatusCompleted {
			return validationError("cannot edit a cancelled or completed appointment")
		}

		busy, err := tx.BusyIntervals(ctx, in.DoctorID, start, end)
		if err != nil {
			return err
		}
		if conflicts := domain.FindConflicts(start, end, busy, appt.ID); len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		appt.RecurringSeriesID = nil
		appt.StartTime = start
		appt.EndTime = end
		if in.Type != "" {
			appt.Type = in.Type
		}

		updated, err := tx.UpdateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

// CancelSeries cancels a series' remaining occurrences. futureOnly limits
// the sweep to occurrences starting at or after now; now is supplied by the
// caller, never read from a hidden clock. The count of cancelled
// occurrences is returned; zero is not an error, a series may have nothing
// left to cancel.
func (s *Service) CancelSeries(ctx context.Context, doctorID string, seriesID uuid.UUID, futureOnly bool, now time.Time) (int, error) {
	if doctorID == "" {
		return 0, validationError("doctor_id is required")
	}
	if seriesID == uuid.Nil {
		return 0, validationError("series_id is required")
	}

	var cancelled int
	err := s.repo.InDoctorTransaction(ctx, doctorID, func(ctx context.Context, tx store.CalendarTx) error {
		n, err := tx.CancelSeries(ctx, doctorID, seriesID, futureOnly, now.UTC())
		if err != nil {
			return err
		}
		cancelled = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

type FindSlotsInput struct {
	DoctorID    string
	WindowStart time.Time
	WindowEnd   time.Time
	Hours       domain.WorkingHours
	Duration    time.Duration
	Granularity time.Duration
	Limit       int
}

// FindSlots computes the doctor's free candidate slots from a snapshot of
// busy intervals. The snapshot can go stale under concurrent booking; the
// storage backstop remains the final arbiter when a returned slot is
// actually booked.
func (s *Service) FindSlots(ctx context.Context, in FindSlotsInput) ([]domain.Slot, error) {
	if in.DoctorID == "" {
		return nil, validationError("doctor_id is required")
	}
	start := in.WindowStart.UTC()
	end := in.WindowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return nil, validationError("window_end must be after window_start")
	}
	if in.Duration <= 0 {
		return nil, validationError("duration must be positive")
	}
	if in.Granularity <= 0 {
		return nil, validationError("granularity must be positive")
	}
	if len(in.Hours) == 0 {
		return nil, validationError("working_hours is required")
	}

	busy, err := s.repo.BusyIntervals(ctx, in.DoctorID, start, end)
	if err != nil {
		return nil, err
	}

	return domain.FindAvailableSlots(start, end, in.Hours, in.Duration, in.Granularity, busy, in.Limit), nil
}

func checkSpan(start, end time.Time) error {
	if end.Equal(start) || end.Before(start) {
		return validationError("end_time must be after start_time")
	}
	if end.Sub(start) > maxAppointmentDuration {
		return validationError("duration too long")
	}
	return nil
}

func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "consultation"
	}
	return t
}

func skippedFrom(occ domain.Occurrence, conflicts []domain.BusyInterval) SkippedOccurrence {
	ids := make([]uuid.UUID, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.AppointmentID)
	}
	return SkippedOccurrence{StartTime: occ.Start, EndTime: occ.End, ConflictingWith: ids}
}
