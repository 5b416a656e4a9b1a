package ingest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
)

// Known injected fault codes.
const (
	CodeSQLInjectionTest   = "FAULT_SQL_INJECTION_TEST"
	CodeExternalAPILatency = "FAULT_EXTERNAL_API_LATENCY"
	CodeDBTimeout          = "FAULT_DB_TIMEOUT"
)

// DefaultFaultCodes returns the fault codes recognized in free-form log messages.
func DefaultFaultCodes() []string {
	return []string{CodeSQLInjectionTest, CodeExternalAPILatency, CodeDBTimeout}
}

const maxLineLength = 64 * 1024

var faultCodeRe = regexp.MustCompile(`\b(FAULT_[A-Z0-9_]+)\b`)

// LogFault is a parsed structured fault log line:
//
//	FAULT_DB_TIMEOUT route=/test-fault/db-timeout reason=pool_exhausted latency=5.0s
type LogFault struct {
	ErrorCode string
	Route     string
	Reason    string
	Latency   string
}

// ParseLine parses a structured fault line. Text before the fault code, such as a
// timestamp or log level, is ignored. Lines without a fault code or a route are
// not fault lines.
func ParseLine(line string) (LogFault, bool) {
	loc := faultCodeRe.FindStringIndex(line)
	if loc == nil {
		return LogFault{}, false
	}

	lf := LogFault{ErrorCode: line[loc[0]:loc[1]]}
	for _, token := range strings.Fields(line[loc[1]:]) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		switch key {
		case "route":
			lf.Route = value
		case "reason":
			lf.Reason = value
		case "latency":
			lf.Latency = value
		}
	}
	if lf.Route == "" {
		return LogFault{}, false
	}
	return lf, true
}

// Fault derives the symptom text and breadcrumbs for the fault code.
func (lf LogFault) Fault(at time.Time) domain.Fault {
	symptom, breadcrumbs, reason := lf.derive()
	return domain.Fault{
		ErrorCode:   lf.ErrorCode,
		SymptomText: symptom,
		OccurredAt:  at,
		Source: domain.SourceContext{
			Route:       lf.Route,
			Reason:      reason,
			Latency:     lf.Latency,
			Breadcrumbs: breadcrumbs,
		},
	}
}

func (lf LogFault) derive() (symptom string, breadcrumbs []string, reason string) {
	switch lf.ErrorCode {
	case CodeSQLInjectionTest:
		return "Invalid SQL executed on " + lf.Route,
			[]string{"invalid_sql_executed", "test_fault_endpoint"},
			lf.Reason

	case CodeExternalAPILatency:
		reason = lf.Reason
		if reason == "" {
			reason = "external_failure"
		}
		detail := reason
		switch reason {
		case "external_timeout":
			detail = "timeout"
		case "upstream_failure":
			detail = "upstream_500"
		case "connection_error":
			detail = "connection_refused"
		}
		return "External API failure on " + lf.Route,
			[]string{"external_api_call", detail},
			reason

	case CodeDBTimeout:
		return "DB timeout or pool exhaustion on " + lf.Route,
			[]string{"pg_sleep_executed", "queue_pool_limit"},
			lf.Reason
	}

	symptom = fmt.Sprintf("Fault %s on %s", lf.ErrorCode, lf.Route)
	if lf.Reason != "" {
		symptom += ": " + lf.Reason
	}
	return symptom, nil, lf.Reason
}

// ParseLines reads newline-separated log output and returns a fault for every
// structured fault line. Other lines are skipped.
func ParseLines(r io.Reader, now time.Time) ([]domain.Fault, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	var faults []domain.Fault
	for scanner.Scan() {
		lf, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		faults = append(faults, lf.Fault(now))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read log lines: %v", ErrInvalidPayload, err)
	}
	return faults, nil
}
