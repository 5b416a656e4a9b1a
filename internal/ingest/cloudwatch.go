package ingest

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bissquit/incident-medic/internal/domain"
)

const (
	maxDecodedPayload  = 8 << 20
	maxSymptomLength   = 4096
	controlMessageType = "CONTROL_MESSAGE"
)

// CloudWatchEnvelope is the body a CloudWatch Logs subscription delivers.
type CloudWatchEnvelope struct {
	AWSLogs struct {
		Data string `json:"data"`
	} `json:"awslogs"`
}

type cloudWatchData struct {
	MessageType string `json:"messageType"`
	LogGroup    string `json:"logGroup"`
	LogStream   string `json:"logStream"`
	LogEvents   []struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		Message   string `json:"message"`
	} `json:"logEvents"`
}

// CloudWatchDecoder extracts faults from CloudWatch Logs subscription payloads.
type CloudWatchDecoder struct {
	codes map[string]struct{}
}

// NewCloudWatchDecoder creates a decoder that recognizes the given fault codes in
// free-form messages. Structured fault lines are recognized regardless.
func NewCloudWatchDecoder(codes []string) *CloudWatchDecoder {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &CloudWatchDecoder{codes: set}
}

// Decode unpacks the base64 gzip JSON payload and returns one fault per log event
// that mentions a fault.
func (d *CloudWatchDecoder) Decode(env CloudWatchEnvelope) ([]domain.Fault, error) {
	data, err := decodeCloudWatchData(env.AWSLogs.Data)
	if err != nil {
		return nil, err
	}
	if data.MessageType == controlMessageType {
		return nil, nil
	}

	var faults []domain.Fault
	for _, ev := range data.LogEvents {
		msg := strings.TrimSpace(ev.Message)
		at := time.UnixMilli(ev.Timestamp).UTC()

		var fault domain.Fault
		if lf, ok := ParseLine(msg); ok {
			fault = lf.Fault(at)
		} else {
			code, ok := d.match(msg)
			if !ok {
				continue
			}
			fault = domain.Fault{
				ErrorCode:   code,
				SymptomText: truncate(msg, maxSymptomLength),
				OccurredAt:  at,
			}
		}
		fault.Source.LogGroup = data.LogGroup
		fault.Source.LogStream = data.LogStream
		faults = append(faults, fault)
	}
	return faults, nil
}

func (d *CloudWatchDecoder) match(msg string) (string, bool) {
	for _, code := range faultCodeRe.FindAllString(msg, -1) {
		if _, ok := d.codes[code]; ok {
			return code, true
		}
	}
	return "", false
}

func decodeCloudWatchData(encoded string) (*cloudWatchData, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: awslogs.data is empty", ErrInvalidPayload)
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidPayload, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: open gzip: %v", ErrInvalidPayload, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidPayload, err)
	}
	if len(raw) > maxDecodedPayload {
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrInvalidPayload, maxDecodedPayload)
	}

	var data cloudWatchData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidPayload, err)
	}
	return &data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
