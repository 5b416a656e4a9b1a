package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/incident-medic/internal/coordinator"
	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// FaultSink accepts validated faults.
type FaultSink interface {
	OnFault(ctx context.Context, fault domain.Fault) (string, error)
}

// Handler handles fault ingestion requests.
type Handler struct {
	sink       FaultSink
	validator  *Validator
	cloudWatch *CloudWatchDecoder
	now        func() time.Time
}

// NewHandler creates a new ingestion handler.
func NewHandler(sink FaultSink, faultCodes []string) *Handler {
	return &Handler{
		sink:       sink,
		validator:  NewValidator(),
		cloudWatch: NewCloudWatchDecoder(faultCodes),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers fault ingestion routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/faults", func(r chi.Router) {
		r.Post("/", h.ReportFault)
		r.Post("/logs", h.ReportLogs)
		r.Post("/cloudwatch", h.ReportCloudWatch)
	})
}

// FaultAccepted is the response to a single fault report.
type FaultAccepted struct {
	IncidentID string `json:"incident_id"`
}

// BatchAccepted is the response to a batch of faults.
type BatchAccepted struct {
	Faults      int      `json:"faults"`
	IncidentIDs []string `json:"incident_ids"`
}

var faultErrors = []httputil.ErrorMapping{
	{Error: coordinator.ErrShuttingDown, Status: http.StatusServiceUnavailable, Message: "shutting down"},
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
}

// ReportFault handles POST /faults.
func (h *Handler) ReportFault(w http.ResponseWriter, r *http.Request) {
	var req FaultRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fault, err := h.validator.Fault(req, h.now())
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id, err := h.sink.OnFault(r.Context(), fault)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, faultErrors)
		return
	}

	httputil.Success(w, http.StatusAccepted, FaultAccepted{IncidentID: id})
}

// ReportLogs handles POST /faults/logs with a plain-text body of log lines.
func (h *Handler) ReportLogs(w http.ResponseWriter, r *http.Request) {
	faults, err := ParseLines(http.MaxBytesReader(w, r.Body, maxBodyBytes), h.now())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, faultErrors)
		return
	}
	h.submit(w, r, faults)
}

// ReportCloudWatch handles POST /faults/cloudwatch with a CloudWatch Logs
// subscription payload.
func (h *Handler) ReportCloudWatch(w http.ResponseWriter, r *http.Request) {
	var env CloudWatchEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&env); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	faults, err := h.cloudWatch.Decode(env)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, faultErrors)
		return
	}
	h.submit(w, r, faults)
}

// submit forwards every fault of a batch. A fault the sink rejects is logged and
// skipped; the batch fails only when nothing was recorded.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, faults []domain.Fault) {
	logger := ctxlog.FromContext(r.Context())
	resp := BatchAccepted{Faults: len(faults), IncidentIDs: make([]string, 0, len(faults))}

	var lastErr error
	seen := make(map[string]bool, len(faults))
	for _, fault := range faults {
		id, err := h.sink.OnFault(r.Context(), fault)
		if err != nil {
			logger.Error("failed to record fault", "error_code", fault.ErrorCode, "error", err)
			lastErr = err
			continue
		}
		if !seen[id] {
			seen[id] = true
			resp.IncidentIDs = append(resp.IncidentIDs, id)
		}
	}
	if lastErr != nil && len(resp.IncidentIDs) == 0 {
		httputil.HandleError(r.Context(), w, lastErr, faultErrors)
		return
	}

	httputil.Success(w, http.StatusAccepted, resp)
}
