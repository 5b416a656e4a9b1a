package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a response status.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// requestErrors apply to every handler after its own mappings.
var requestErrors = []ErrorMapping{
	{Error: context.DeadlineExceeded, Status: http.StatusServiceUnavailable, Message: "request timed out"},
	{Error: context.Canceled, Status: http.StatusServiceUnavailable, Message: "request cancelled"},
}

// HandleError writes the response for the first mapping err matches. Unmapped
// errors are logged and answered with 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if m, ok := match(err, mappings); ok {
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		if m.Status >= http.StatusInternalServerError {
			ctxlog.FromContext(ctx).Warn("request failed", "status", m.Status, "error", err)
		}
		Error(w, m.Status, msg)
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

func match(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, set := range [][]ErrorMapping{mappings, requestErrors} {
		for _, m := range set {
			if errors.Is(err, m.Error) {
				return m, true
			}
		}
	}
	return ErrorMapping{}, false
}
