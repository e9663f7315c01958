package patientflow

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/KristersR123/HospitalKiosk-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id/condition", h.AssignCondition)
	api.PUT("/patients/:id/severity", h.AssignSeverity)
	api.PUT("/patients/:id/retriage", h.Retriage)
	api.POST("/patients/:id/accept", h.Accept)
	api.POST("/patients/:id/discharge", h.Discharge)
	api.GET("/patients/:id/wait-time", h.GetWaitTime)

	api.GET("/waitlist", h.ListWaitlist)
	api.GET("/doctor-queue", h.ListDoctorQueue)
}

// httpError maps the flow error taxonomy onto HTTP status codes.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTransient):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

type createPatientRequest struct {
	FullName    string  `json:"full_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Gender      *string `json:"gender"`
	Phone       *string `json:"phone"`
}

type conditionRequest struct {
	Condition string `json:"condition"`
}

type severityRequest struct {
	Severity string `json:"severity"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &Patient{FullName: req.FullName, Gender: req.Gender, Phone: req.Phone}
	if req.DateOfBirth != nil && *req.DateOfBirth != "" {
		dob, err := parseDate(*req.DateOfBirth)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date_of_birth, expected YYYY-MM-DD")
		}
		p.DateOfBirth = &dob
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AssignCondition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req conditionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.AssignCondition(c.Request().Context(), id, req.Condition)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":   id,
		"queue_number": n,
	})
}

func (h *Handler) bindSeverity(c echo.Context) (Severity, error) {
	var req severityRequest
	if err := c.Bind(&req); err != nil {
		return SeverityUnknown, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sev, err := ParseSeverity(req.Severity)
	if err != nil {
		return SeverityUnknown, httpError(c, err)
	}
	return sev, nil
}

func (h *Handler) AssignSeverity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sev, err := h.bindSeverity(c)
	if err != nil {
		return err
	}
	minutes, err := h.svc.AssignSeverity(c.Request().Context(), id, sev)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":             id,
		"severity":               sev,
		"estimated_wait_minutes": minutes,
	})
}

func (h *Handler) Retriage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sev, err := h.bindSeverity(c)
	if err != nil {
		return err
	}
	minutes, err := h.svc.Retriage(c.Request().Context(), id, sev)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":             id,
		"severity":               sev,
		"estimated_wait_minutes": minutes,
	})
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Accept(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":    p.ID,
		"accepted":      true,
		"accepted_time": p.AcceptedTime,
	})
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Discharge(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetWaitTime(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	est, err := h.svc.WaitTime(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, est)
}

func (h *Handler) ListWaitlist(c echo.Context) error {
	groups, err := h.svc.Waitlist(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"groups": groups})
}

func (h *Handler) ListDoctorQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.DoctorQueue(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	total := len(items)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), total, pg.Limit, pg.Offset))
}
