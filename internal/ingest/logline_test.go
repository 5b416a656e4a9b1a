package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want LogFault
		ok   bool
	}{
		{
			name: "all fields",
			line: "FAULT_DB_TIMEOUT route=/test-fault/db-timeout reason=pool_exhausted latency=5.0s",
			want: LogFault{ErrorCode: "FAULT_DB_TIMEOUT", Route: "/test-fault/db-timeout", Reason: "pool_exhausted", Latency: "5.0s"},
			ok:   true,
		},
		{
			name: "prefix ignored",
			line: "2026-01-02T10:00:00Z ERROR FAULT_SQL_INJECTION_TEST route=/test-fault/run reason=invalid_sql",
			want: LogFault{ErrorCode: "FAULT_SQL_INJECTION_TEST", Route: "/test-fault/run", Reason: "invalid_sql"},
			ok:   true,
		},
		{
			name: "tokens without value skipped",
			line: "FAULT_EXTERNAL_API_LATENCY upstream route=/ext",
			want: LogFault{ErrorCode: "FAULT_EXTERNAL_API_LATENCY", Route: "/ext"},
			ok:   true,
		},
		{name: "no route", line: "FAULT_DB_TIMEOUT reason=pool_exhausted"},
		{name: "no fault code", line: "GET /health 200 route=/health"},
		{name: "empty", line: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogFault_Fault(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		lf          LogFault
		symptom     string
		breadcrumbs []string
		reason      string
	}{
		{
			name:        "sql injection test",
			lf:          LogFault{ErrorCode: CodeSQLInjectionTest, Route: "/test-fault/run"},
			symptom:     "Invalid SQL executed on /test-fault/run",
			breadcrumbs: []string{"invalid_sql_executed", "test_fault_endpoint"},
		},
		{
			name:        "external api timeout",
			lf:          LogFault{ErrorCode: CodeExternalAPILatency, Route: "/ext", Reason: "external_timeout", Latency: "3s"},
			symptom:     "External API failure on /ext",
			breadcrumbs: []string{"external_api_call", "timeout"},
			reason:      "external_timeout",
		},
		{
			name:        "external api default reason",
			lf:          LogFault{ErrorCode: CodeExternalAPILatency, Route: "/ext"},
			symptom:     "External API failure on /ext",
			breadcrumbs: []string{"external_api_call", "external_failure"},
			reason:      "external_failure",
		},
		{
			name:        "db timeout",
			lf:          LogFault{ErrorCode: CodeDBTimeout, Route: "/db", Reason: "pool"},
			symptom:     "DB timeout or pool exhaustion on /db",
			breadcrumbs: []string{"pg_sleep_executed", "queue_pool_limit"},
			reason:      "pool",
		},
		{
			name:    "unknown code",
			lf:      LogFault{ErrorCode: "FAULT_DISK_FULL", Route: "/upload", Reason: "enospc"},
			symptom: "Fault FAULT_DISK_FULL on /upload: enospc",
			reason:  "enospc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.lf.Fault(at)
			assert.Equal(t, tt.lf.ErrorCode, f.ErrorCode)
			assert.Equal(t, tt.symptom, f.SymptomText)
			assert.Equal(t, at, f.OccurredAt)
			assert.Equal(t, tt.breadcrumbs, f.Source.Breadcrumbs)
			assert.Equal(t, tt.reason, f.Source.Reason)
			assert.Equal(t, tt.lf.Route, f.Source.Route)
		})
	}
}

func TestParseLines(t *testing.T) {
	input := strings.Join([]string{
		"INFO starting worker",
		"FAULT_DB_TIMEOUT route=/db latency=5s",
		"",
		"ERROR FAULT_EXTERNAL_API_LATENCY route=/ext reason=upstream_failure",
		"FAULT_DB_TIMEOUT without route",
	}, "\n")

	faults, err := ParseLines(strings.NewReader(input), time.Now())
	require.NoError(t, err)
	require.Len(t, faults, 2)
	assert.Equal(t, CodeDBTimeout, faults[0].ErrorCode)
	assert.Equal(t, CodeExternalAPILatency, faults[1].ErrorCode)
	assert.Equal(t, []string{"external_api_call", "upstream_500"}, faults[1].Source.Breadcrumbs)
}

func TestParseLines_LineTooLong(t *testing.T) {
	input := "FAULT_DB_TIMEOUT route=/" + strings.Repeat("x", maxLineLength)

	_, err := ParseLines(strings.NewReader(input), time.Now())
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
