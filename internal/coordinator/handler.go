package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Pagination constants.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Handler handles HTTP requests for incidents.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new incidents handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes registers read-only routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/status", h.GetStatus)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/incidents/{id}/diagnose", h.DiagnoseIncident)
	r.Post("/incidents/{id}/remediate", h.RemediateIncident)
	r.Post("/incidents/{id}/cancel", h.CancelIncident)
}

var incidentErrors = []httputil.ErrorMapping{
	{Error: incidents.ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ErrAlreadyInProgress, Status: http.StatusConflict},
	{Error: ErrNoActiveFlow, Status: http.StatusConflict},
	{Error: ErrInvalidState, Status: http.StatusUnprocessableEntity},
	{Error: ErrNotActionable, Status: http.StatusUnprocessableEntity},
	{Error: ErrShuttingDown, Status: http.StatusServiceUnavailable, Message: "shutting down"},
}

// ListIncidents handles GET /incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	list, err := h.coordinator.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrors)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrors)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// DiagnoseIncident handles POST /incidents/{id}/diagnose.
func (h *Handler) DiagnoseIncident(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, "diagnosis requested", h.coordinator.Diagnose)
}

// RemediateIncident handles POST /incidents/{id}/remediate. The deploy runs in
// the background; progress is visible on the event stream.
func (h *Handler) RemediateIncident(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, "remediation requested", h.coordinator.RemediateAsync)
}

// CancelIncident handles POST /incidents/{id}/cancel.
func (h *Handler) CancelIncident(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, "cancellation requested", h.coordinator.Cancel)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.coordinator.Status())
}

// ActionAccepted is the response to an operator action.
type ActionAccepted struct {
	IncidentID string `json:"incident_id"`
	Message    string `json:"message"`
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, message string, action func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := action(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, incidentErrors)
		return
	}

	ctxlog.FromContext(r.Context()).Info(message,
		"incident_id", id,
		"subject", httputil.Subject(r.Context()),
		"role", httputil.RoleFrom(r.Context()),
	)
	httputil.Success(w, http.StatusAccepted, ActionAccepted{IncidentID: id, Message: message})
}

func parseFilter(r *http.Request) (incidents.Filter, error) {
	q := r.URL.Query()
	filter := incidents.Filter{
		ErrorCode: incidents.NormalizeErrorCode(q.Get("error_code")),
		Limit:     DefaultListLimit,
	}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := domain.IncidentStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				return incidents.Filter{}, &queryError{param: "status", value: s}
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return incidents.Filter{}, &queryError{param: "limit", value: v}
		}
		filter.Limit = min(limit, MaxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return incidents.Filter{}, &queryError{param: "offset", value: v}
		}
		filter.Offset = offset
	}
	return filter, nil
}

type queryError struct {
	param string
	value string
}

func (e *queryError) Error() string {
	return "invalid " + e.param + ": " + strconv.Quote(e.value)
}
