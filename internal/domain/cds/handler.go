package cds

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cds/internal/platform/breaker"
	"github.com/ehr/cds/pkg/pagination"
)

// ---------------------------------------------------------------------------
// CDS Hooks wire types
// ---------------------------------------------------------------------------

// Service describes one CDS service in discovery.
type Service struct {
	Hook        string `json:"hook"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	ID          string `json:"id"`
}

// HookRequest is the payload POSTed to invoke a hook.
type HookRequest struct {
	Hook         string      `json:"hook"`
	HookInstance string      `json:"hookInstance"`
	Context      HookContext `json:"context"`
}

// HookContext carries the patient snapshot for one invocation.
type HookContext struct {
	PatientID   string       `json:"patientId"`
	PatientAge  int          `json:"patientAge,omitempty"`
	Medications []Medication `json:"medications,omitempty"`
	Allergies   []Allergy    `json:"allergies,omitempty"`
	Diagnoses   []Diagnosis  `json:"diagnoses,omitempty"`
	Labs        []LabResult  `json:"labResults,omitempty"`
}

// Card is a single card in the hook response.
type Card struct {
	UUID        string       `json:"uuid,omitempty"`
	Summary     string       `json:"summary"`
	Detail      string       `json:"detail,omitempty"`
	Indicator   string       `json:"indicator"`
	Source      CardSource   `json:"source"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// CardSource identifies the rule behind a card.
type CardSource struct {
	Label string `json:"label"`
}

// Suggestion is a suggested action within a card.
type Suggestion struct {
	Label string `json:"label"`
}

// HookResponse is returned from hook invocation.
type HookResponse struct {
	Cards []Card `json:"cards"`
}

// indicatorFor maps alert severities onto CDS Hooks card indicators.
func indicatorFor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler exposes the evaluation engine as a CDS Hooks HTTP surface plus a
// read-only health endpoint.
type Handler struct {
	engine   *Engine
	metrics  *Metrics
	breaker  *breaker.Breaker
	audit    AlertAuditRepository
	logger   zerolog.Logger
	services map[string]Service
}

// NewHandler creates a Handler. audit may be nil to disable alert recording.
func NewHandler(engine *Engine, metrics *Metrics, br *breaker.Breaker, audit AlertAuditRepository, logger zerolog.Logger) *Handler {
	services := make(map[string]Service, len(Hooks()))
	for _, hook := range Hooks() {
		id := string(hook)
		services[id] = Service{
			ID:          id,
			Hook:        id,
			Title:       "Clinical decision support: " + id,
			Description: "Evaluates the patient context against the " + id + " rule set.",
		}
	}
	return &Handler{
		engine:   engine,
		metrics:  metrics,
		breaker:  br,
		audit:    audit,
		logger:   logger,
		services: services,
	}
}

// RegisterRoutes binds the CDS Hooks routes and the health surface.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.Invoke)
	e.GET("/cds-alerts", h.ListAlerts)
	e.GET("/health/cds", h.Health)
}

// Discovery handles GET /cds-services.
func (h *Handler) Discovery(c echo.Context) error {
	services := make([]Service, 0, len(h.services))
	for _, hook := range Hooks() {
		services = append(services, h.services[string(hook)])
	}
	return c.JSON(http.StatusOK, map[string][]Service{"services": services})
}

// Invoke handles POST /cds-services/:id. A degraded evaluation still returns
// 200 with whatever cards were computable.
func (h *Handler) Invoke(c echo.Context) error {
	serviceID := c.Param("id")
	svc, ok := h.services[serviceID]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown CDS service: "+serviceID)
	}

	var req HookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Hook != "" && req.Hook != svc.Hook {
		return echo.NewHTTPError(http.StatusBadRequest, "hook does not match service "+serviceID)
	}
	if req.HookInstance == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hookInstance is required")
	}
	if req.Context.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "context.patientId is required")
	}

	cc := ClinicalContext{
		PatientID:   req.Context.PatientID,
		PatientAge:  req.Context.PatientAge,
		Hook:        HookCategory(svc.Hook),
		Medications: req.Context.Medications,
		Allergies:   req.Context.Allergies,
		Diagnoses:   req.Context.Diagnoses,
		Labs:        req.Context.Labs,
	}

	result, err := h.engine.Evaluate(c.Request().Context(), cc)
	if err != nil {
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}

	h.recordAlerts(c, cc, result)

	cards := make([]Card, 0, len(result.Alerts))
	for _, alert := range result.Alerts {
		card := Card{
			UUID:      uuid.New().String(),
			Summary:   alert.Title,
			Detail:    alert.Description,
			Indicator: indicatorFor(alert.Severity),
			Source:    CardSource{Label: alert.RuleID},
		}
		if alert.RecommendedAction != "" {
			card.Suggestions = []Suggestion{{Label: alert.RecommendedAction}}
		}
		cards = append(cards, card)
	}
	return c.JSON(http.StatusOK, HookResponse{Cards: cards})
}

// recordAlerts persists freshly-computed alerts when auditing is configured.
// Failures are logged and never surfaced.
func (h *Handler) recordAlerts(c echo.Context, cc ClinicalContext, result *EvaluationResult) {
	if h.audit == nil || result.FromCache || len(result.Alerts) == 0 {
		return
	}
	for _, alert := range result.Alerts {
		audit := &AlertAudit{
			RuleID:    alert.RuleID,
			PatientID: cc.PatientID,
			Hook:      string(cc.Hook),
			Severity:  alert.Severity,
			Summary:   alert.Title,
			Detail:    alert.Description,
			FiredAt:   time.Now().UTC(),
		}
		if err := h.audit.Record(c.Request().Context(), audit); err != nil {
			h.logger.Warn().Err(err).
				Str("rule_id", alert.RuleID).
				Str("patient_id", cc.PatientID).
				Msg("alert audit record failed")
		}
	}
}

// ListAlerts handles GET /cds-alerts?patient_id=… over the audit log.
func (h *Handler) ListAlerts(c echo.Context) error {
	if h.audit == nil {
		return echo.NewHTTPError(http.StatusNotFound, "alert auditing is not configured")
	}
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	p := pagination.FromContext(c)
	items, total, err := h.audit.ListByPatient(c.Request().Context(), patientID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

// Health handles GET /health/cds: metrics snapshot plus breaker state.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"metrics": h.metrics.Snapshot(),
		"breaker": h.breaker.Snapshot(),
	})
}
