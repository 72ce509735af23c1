package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/service/scheduling"
	"medsched/backend/internal/store"
)

type schedulingService interface {
	CreateAppointment(ctx context.Context, in scheduling.CreateAppointmentInput) (domain.Appointment, error)
	ListAppointments(ctx context.Context, doctorID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	DeleteAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) error
	CancelAppointment(ctx context.Context, doctorID string, appointmentID uuid.UUID) (domain.Appointment, error)
	CreateSeries(ctx context.Context, in scheduling.CreateSeriesInput) (scheduling.SeriesResult, error)
	EditOccurrence(ctx context.Context, in scheduling.EditOccurrenceInput) (domain.Appointment, error)
	CancelSeries(ctx context.Context, doctorID string, seriesID uuid.UUID, futureOnly bool, now time.Time) (int, error)
	FindSlots(ctx context.Context, in scheduling.FindSlotsInput) ([]domain.Slot, error)
}

type SchedulingHandler struct {
	svc      schedulingService
	validate *validator.Validate
	log      *slog.Logger
}

func NewSchedulingHandler(svc schedulingService, log *slog.Logger) *SchedulingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SchedulingHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With(slog.String("component", "http.scheduling")),
	}
}

func (h *SchedulingHandler) Register(e *echo.Echo) {
	e.POST("/v1/appointments", h.CreateAppointment)
	e.GET("/v1/appointments", h.ListAppointments)
	e.DELETE("/v1/appointments/:id", h.DeleteAppointment)
	e.POST("/v1/appointments/:id/cancel", h.CancelAppointment)
	e.PATCH("/v1/appointments/:id", h.EditOccurrence)
	e.POST("/v1/series", h.CreateSeries)
	e.POST("/v1/series/:id/cancel", h.CancelSeries)
	e.POST("/v1/doctors/:doctor_id/slots/search", h.FindSlots)
}

type createAppointmentRequest struct {
	DoctorID  string    `json:"doctor_id" validate:"required"`
	PatientID string    `json:"patient_id" validate:"required"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
}

type appointmentResponse struct {
	ID                string     `json:"id"`
	DoctorID          string     `json:"doctor_id"`
	PatientID         string     `json:"patient_id"`
	Type              string     `json:"type"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	Status            string     `json:"status"`
	RecurringSeriesID *string    `json:"recurring_series_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (h *SchedulingHandler) CreateAppointment(c echo.Context) error {
	log := h.log.With(slog.String("route", "CreateAppointment"))

	var req createAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	appt, err := h.svc.CreateAppointment(c.Request().Context(), scheduling.CreateAppointmentInput{
		DoctorID:       req.DoctorID,
		PatientID:      req.PatientID,
		Type:           req.Type,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		return h.writeError(c, log, err)
	}

	log.Info(
		"appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("doctor_id", appt.DoctorID),
		slog.Time("start_time", appt.StartTime),
		slog.Time("end_time", appt.EndTime),
	)
	return c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) ListAppointments(c echo.Context) error {
	log := h.log.With(slog.String("route", "ListAppointments"))

	doctorID := c.QueryParam("doctor_id")
	windowStart, err := time.Parse(time.RFC3339, c.QueryParam("window_start"))
	if err != nil {
		return badRequest(c, "window_start must be an RFC 3339 timestamp")
	}
	windowEnd, err := time.Parse(time.RFC3339, c.QueryParam("window_end"))
	if err != nil {
		return badRequest(c, "window_end must be an RFC 3339 timestamp")
	}

	appts, err := h.svc.ListAppointments(c.Request().Context(), doctorID, windowStart, windowEnd)
	if err != nil {
		return h.writeError(c, log, err)
	}

	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}

	log.Debug("appointments listed", slog.String("doctor_id", doctorID), slog.Int("count", len(out)))
	return c.JSON(http.StatusOK, map[string]any{"appointments": out})
}

func (h *SchedulingHandler) DeleteAppointment(c echo.Context) error {
	log := h.log.With(slog.String("route", "DeleteAppointment"))

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "appointment id must be a UUID")
	}
	doctorID := c.QueryParam("doctor_id")

	if err := h.svc.DeleteAppointment(c.Request().Context(), doctorID, id); err != nil {
		return h.writeError(c, log, err)
	}

	log.Info("appointment deleted", slog.String("appointment_id", id.String()), slog.String("doctor_id", doctorID))
	return c.NoContent(http.StatusNoContent)
}

type cancelAppointmentRequest struct {
	DoctorID string `json:"doctor_id" validate:"required"`
}

func (h *SchedulingHandler) CancelAppointment(c echo.Context) error {
	log := h.log.With(slog.String("route", "CancelAppointment"))

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "appointment id must be a UUID")
	}

	var req cancelAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	appt, err := h.svc.CancelAppointment(c.Request().Context(), req.DoctorID, id)
	if err != nil {
		return h.writeError(c, log, err)
	}

	log.Info("appointment cancelled", slog.String("appointment_id", id.String()), slog.String("doctor_id", req.DoctorID))
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

type editOccurrenceRequest struct {
	DoctorID  string    `json:"doctor_id" validate:"required"`
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Type      string    `json:"type"`
}

func (h *SchedulingHandler) EditOccurrence(c echo.Context) error {
	log := h.log.With(slog.String("route", "EditOccurrence"))

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "appointment id must be a UUID")
	}

	var req editOccurrenceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	appt, err := h.svc.EditOccurrence(c.Request().Context(), scheduling.EditOccurrenceInput{
		DoctorID:      req.DoctorID,
		AppointmentID: id,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Type:          req.Type,
	})
	if err != nil {
		return h.writeError(c, log, err)
	}

	log.Info(
		"occurrence edited",
		slog.String("appointment_id", id.String()),
		slog.String("doctor_id", req.DoctorID),
		slog.Time("start_time", appt.StartTime),
	)
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

type ruleRequest struct {
	Frequency  string   `json:"frequency" validate:"required,oneof=DAILY WEEKLY MONTHLY"`
	Interval   int      `json:"interval" validate:"min=0"`
	Count      *int     `json:"count,omitempty"`
	Until      *string  `json:"until,omitempty"`
	ByWeekday  []string `json:"by_weekday,omitempty"`
	ByMonthDay int      `json:"by_month_day,omitempty"`
}

type createSeriesRequest struct {
	DoctorID  string      `json:"doctor_id" validate:"required"`
	PatientID string      `json:"patient_id" validate:"required"`
	Type      string      `json:"type"`
	StartTime time.Time   `json:"start_time" validate:"required"`
	EndTime   time.Time   `json:"end_time" validate:"required"`
	Rule      ruleRequest `json:"rule" validate:"required"`
}

type skippedResponse struct {
	CandidateStart  time.Time `json:"candidate_start"`
	CandidateEnd    time.Time `json:"candidate_end"`
	ConflictingWith []string  `json:"conflicting_with"`
}

type seriesResponse struct {
	Created   []appointmentResponse `json:"created"`
	Skipped   []skippedResponse     `json:"skipped"`
	Generated int                   `json:"generated"`
}

func (h *SchedulingHandler) CreateSeries(c echo.Context) error {
	log := h.log.With(slog.String("route", "CreateSeries"))

	var req createSeriesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	rule, err := toDomainRule(req.Rule)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.svc.CreateSeries(c.Request().Context(), scheduling.CreateSeriesInput{
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		Type:      req.Type,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Rule:      rule,
	})
	if err != nil {
		return h.writeError(c, log, err)
	}

	log.Info(
		"series created",
		slog.String("doctor_id", req.DoctorID),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("generated", result.Generated),
	)
	return c.JSON(http.StatusCreated, toSeriesResponse(result))
}

type cancelSeriesRequest struct {
	DoctorID   string `json:"doctor_id" validate:"required"`
	FutureOnly bool   `json:"future_only"`
}

func (h *SchedulingHandler) CancelSeries(c echo.Context) error {
	log := h.log.With(slog.String("route", "CancelSeries"))

	seriesID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "series id must be a UUID")
	}

	var req cancelSeriesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	cancelled, err := h.svc.CancelSeries(c.Request().Context(), req.DoctorID, seriesID, req.FutureOnly, time.Now().UTC())
	if err != nil {
		return h.writeError(c, log, err)
	}

	log.Info(
		"series cancelled",
		slog.String("series_id", seriesID.String()),
		slog.String("doctor_id", req.DoctorID),
		slog.Bool("future_only", req.FutureOnly),
		slog.Int("cancelled", cancelled),
	)
	return c.JSON(http.StatusOK, map[string]any{"cancelled": cancelled})
}

type dayWindowRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

type findSlotsRequest struct {
	WindowStart        time.Time                   `json:"window_start" validate:"required"`
	WindowEnd          time.Time                   `json:"window_end" validate:"required"`
	DurationMinutes    int                         `json:"duration_minutes" validate:"required,min=1"`
	GranularityMinutes int                         `json:"granularity_minutes" validate:"required,min=1"`
	WorkingHours       map[string]dayWindowRequest `json:"working_hours" validate:"required,min=1"`
	Limit              int                         `json:"limit" validate:"min=0"`
}

type slotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (h *SchedulingHandler) FindSlots(c echo.Context) error {
	log := h.log.With(slog.String("route", "FindSlots"))

	doctorID := c.Param("doctor_id")

	var req findSlotsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, validationMessage(err))
	}

	hours, err := toWorkingHours(req.WorkingHours)
	if err != nil {
		return badRequest(c, err.Error())
	}

	slots, err := h.svc.FindSlots(c.Request().Context(), scheduling.FindSlotsInput{
		DoctorID:    doctorID,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Hours:       hours,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		Granularity: time.Duration(req.GranularityMinutes) * time.Minute,
		Limit:       req.Limit,
	})
	if err != nil {
		return h.writeError(c, log, err)
	}

	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{Start: s.Start, End: s.End})
	}

	log.Debug("slots searched", slog.String("doctor_id", doctorID), slog.Int("count", len(out)))
	return c.JSON(http.StatusOK, map[string]any{"slots": out})
}

func (h *SchedulingHandler) writeError(c echo.Context, log *slog.Logger, err error) error {
	var ruleErr *domain.RuleError
	if errors.As(err, &ruleErr) {
		log.Warn("invalid rule", slog.Any("err", err), slog.String("code", string(ruleErr.Code)))
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error": ruleErr.Message,
			"code":  string(ruleErr.Code),
		})
	}

	var vErr *scheduling.ValidationError
	if errors.As(err, &vErr) {
		log.Warn("invalid request", slog.Any("err", err))
		return c.JSON(http.StatusBadRequest, map[string]any{"error": vErr.Error()})
	}

	var cErr *scheduling.ConflictError
	if errors.As(err, &cErr) {
		ids := make([]string, 0, len(cErr.Conflicts))
		for _, b := range cErr.Conflicts {
			ids = append(ids, b.AppointmentID.String())
		}
		log.Info("conflict", slog.Int("conflicts", len(ids)))
		return c.JSON(http.StatusConflict, map[string]any{
			"error":            "the requested time overlaps existing appointments",
			"conflicting_with": ids,
		})
	}

	switch {
	case errors.Is(err, store.ErrConflict):
		log.Info("storage conflict")
		return c.JSON(http.StatusConflict, map[string]any{"error": "the requested time overlaps an existing appointment"})
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict")
		return c.JSON(http.StatusConflict, map[string]any{"error": "this request key was already used for a different appointment"})
	case errors.Is(err, store.ErrNotFound):
		log.Info("not found")
		return c.JSON(http.StatusNotFound, map[string]any{"error": "appointment not found"})
	}

	log.Error("request failed", slog.Any("err", err))
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{"error": msg})
}

func validationMessage(err error) string {
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) && len(vErrs) > 0 {
		f := vErrs[0]
		return strings.ToLower(f.Field()) + " failed validation on " + f.Tag()
	}
	return "invalid request"
}

func idempotencyKey(c echo.Context) string {
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		key = c.Request().Header.Get("X-Idempotency-Key")
	}
	return strings.TrimSpace(key)
}

func toDomainRule(req ruleRequest) (domain.Rule, error) {
	rule := domain.Rule{
		Frequency:  domain.Frequency(req.Frequency),
		Interval:   req.Interval,
		Count:      req.Count,
		ByMonthDay: req.ByMonthDay,
	}

	if req.Until != nil {
		u, err := time.Parse("2006-01-02", *req.Until)
		if err != nil {
			return domain.Rule{}, errors.New("until must be a YYYY-MM-DD date")
		}
		rule.Until = &u
	}

	for _, code := range req.ByWeekday {
		wd, err := domain.ParseWeekday(code)
		if err != nil {
			return domain.Rule{}, err
		}
		rule.ByWeekday = append(rule.ByWeekday, wd)
	}

	return rule, nil
}

func toWorkingHours(req map[string]dayWindowRequest) (domain.WorkingHours, error) {
	hours := make(domain.WorkingHours, len(req))
	for code, w := range req {
		wd, err := domain.ParseWeekday(code)
		if err != nil {
			return nil, err
		}
		start, err := minutesOfDay(w.Start)
		if err != nil {
			return nil, err
		}
		end, err := minutesOfDay(w.End)
		if err != nil {
			return nil, err
		}
		hours[wd] = domain.DayWindow{Start: start, End: end}
	}
	return hours, nil
}

func minutesOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.New("working hours must use HH:MM")
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:        a.ID.String(),
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		Type:      a.Type,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.RecurringSeriesID != nil {
		id := a.RecurringSeriesID.String()
		resp.RecurringSeriesID = &id
	}
	return resp
}

func toSeriesResponse(result scheduling.SeriesResult) seriesResponse {
	resp := seriesResponse{
		Created:   make([]appointmentResponse, 0, len(result.Created)),
		Skipped:   make([]skippedResponse, 0, len(result.Skipped)),
		Generated: result.Generated,
	}
	for _, a := range result.Created {
		resp.Created = append(resp.Created, toAppointmentResponse(a))
	}
	for _, s := range result.Skipped {
		ids := make([]string, 0, len(s.ConflictingWith))
		for _, id := range s.ConflictingWith {
			ids = append(ids, id.String())
		}
		resp.Skipped = append(resp.Skipped, skippedResponse{
			CandidateStart:  s.StartTime,
			CandidateEnd:    s.EndTime,
			ConflictingWith: ids,
		})
	}
	return resp
}
