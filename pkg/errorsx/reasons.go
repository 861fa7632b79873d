package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Application-visible connection failures.
	ReasonAuthentication     ReasonCode = "authentication"
	ReasonBadRequest         ReasonCode = "bad_request"
	ReasonTooManyRequests    ReasonCode = "too_many_requests"
	ReasonForbidden          ReasonCode = "forbidden"
	ReasonServiceUnavailable ReasonCode = "service_unavailable"
	ReasonConnection         ReasonCode = "connection_error"
	ReasonRedirect           ReasonCode = "redirect"
	ReasonRuntime            ReasonCode = "runtime_error"
	ReasonCircuitOpen        ReasonCode = "circuit_open"

	// Internal classes.
	ReasonProtocolViolation ReasonCode = "protocol_violation"
	ReasonLogic             ReasonCode = "logic_error"
)

// FromHTTPStatus maps an HTTP status code returned by the service to a reason code.
func FromHTTPStatus(status int) ReasonCode {
	switch status {
	case 400:
		return ReasonBadRequest
	case 401:
		return ReasonAuthentication
	case 403:
		return ReasonForbidden
	case 429:
		return ReasonTooManyRequests
	case 301, 302, 307, 308:
		return ReasonRedirect
	case 500, 502, 503, 504:
		return ReasonServiceUnavailable
	case 0:
		return ReasonConnection
	default:
		return ReasonConnection
	}
}
