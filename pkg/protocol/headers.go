package protocol

import (
	"strings"
	"time"
)

// Required header names, in canonical serialization order.
const (
	HeaderTimestamp   = "X-Timestamp"
	HeaderPath        = "Path"
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-RequestId"
)

// Optional header names used by the service.
const (
	HeaderStreamID     = "X-StreamId"
	HeaderConnectionID = "X-ConnectionId"
)

const (
	ContentTypeJSON  = "application/json; charset=utf-8"
	ContentTypeText  = "text/plain; charset=utf-8"
	ContentTypeWave  = "audio/x-wav"
	ContentTypeSSML  = "application/ssml+xml"
	ContentTypeOctet = "application/octet-stream"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the wire timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the wire format and falls back to RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func isRequiredHeader(name string) bool {
	switch {
	case strings.EqualFold(name, HeaderTimestamp),
		strings.EqualFold(name, HeaderPath),
		strings.EqualFold(name, HeaderContentType),
		strings.EqualFold(name, HeaderRequestID):
		return true
	}
	return false
}
