package monitoring

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
	"github.com/ehr/carewatch/internal/platform/auth"
	"github.com/ehr/carewatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every role
	read := api.Group("", auth.RequireRole(auth.AnyRole...))
	read.GET("/encounters/:id", h.GetEncounter)
	read.GET("/encounters/:id/history", h.GetStatusHistory)
	read.GET("/patients/:patient_id/encounter", h.GetActiveEncounter)
	read.GET("/patients/:patient_id/encounters", h.ListEncounters)
	read.GET("/patients/:patient_id/alarms", h.ListAlarms)
	read.GET("/patients/:patient_id/alarms/active", h.GetActiveAlarms)
	read.GET("/patients/:patient_id/readings", h.ListReadings)
	read.GET("/wards/:ward/encounters", h.ListWardEncounters)
	read.GET("/alarms/counts", h.GetAlarmCounts)
	read.GET("/alarms/:id", h.GetAlarm)
	read.GET("/thresholds/:patient_id/:parameter", h.GetThreshold)

	// Write endpoints – physician, nurse
	write := api.Group("", auth.RequireRole(auth.Clinical...))
	write.POST("/encounters", h.Admit)
	write.POST("/encounters/:id/start", h.Start)
	write.POST("/encounters/:id/transfer", h.Transfer)
	write.POST("/encounters/:id/discharge", h.Discharge)
	write.POST("/encounters/:id/cancel", h.Cancel)
	write.POST("/readings", h.IngestReading)
	write.POST("/alarms/:id/acknowledge", h.AcknowledgeAlarm)
	write.POST("/alarms/:id/resolve", h.ResolveAlarm)
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actorOf(c echo.Context) string {
	return auth.ActorFromContext(c.Request().Context())
}

// -- Encounter Handlers --

type transferRequest struct {
	Ward string `json:"ward"`
	Bed  string `json:"bed,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) Admit(c echo.Context) error {
	var req encounter.AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = actorOf(c)
	enc, err := h.svc.Admit(c.Request().Context(), req)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.Start(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.Transfer(c.Request().Context(), id, req.Ward, req.Bed, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.Discharge(c.Request().Context(), id, req.Reason, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.Cancel(c.Request().Context(), id, req.Reason, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	rows, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetActiveEncounter(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	enc, err := h.svc.GetActiveEncounter(c.Request().Context(), pid)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListEncounters(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListWardEncounters(c echo.Context) error {
	items, err := h.svc.ListWardEncounters(c.Request().Context(), c.Param("ward"))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Reading Handlers --

func (h *Handler) IngestReading(c echo.Context) error {
	var raw vitals.RawReading
	if err := c.Bind(&raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if raw.Source == "" {
		raw.Source = string(vitals.SourceManual)
	}
	res, err := h.svc.IngestVital(c.Request().Context(), raw)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListReadings(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return err
	}
	var since *time.Time
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		since = &t
	}
	items, total, err := h.svc.ListReadings(c.Request().Context(), pid, since, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Alarm Handlers --

func (h *Handler) GetAlarm(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAlarm(c.Request().Context(), id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetActiveAlarms(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	items, err := h.svc.GetActiveAlarms(c.Request().Context(), pid)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAlarms(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return err
	}
	var status *alarm.Status
	if v := c.QueryParam("status"); v != "" {
		s := alarm.Status(strings.ToLower(v))
		status = &s
	}
	items, total, err := h.svc.ListAlarms(c.Request().Context(), pid, status, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// GetAlarmCounts serves badge counts for ?patient_id=, ?ward= or everything.
func (h *Handler) GetAlarmCounts(c echo.Context) error {
	var scope alarm.CountScope
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		scope.PatientID = &pid
	}
	scope.Ward = c.QueryParam("ward")
	counts, err := h.svc.GetAlarmCounts(c.Request().Context(), scope)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) AcknowledgeAlarm(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.AcknowledgeAlarm(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ResolveAlarm(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.ResolveAlarm(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Threshold Handlers --

func (h *Handler) GetThreshold(c echo.Context) error {
	pid, err := pathUUID(c, "patient_id")
	if err != nil {
		return err
	}
	rule, err := h.svc.EffectiveRule(c.Request().Context(), pid, vitals.Parameter(c.Param("parameter")))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rule)
}
