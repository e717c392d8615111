package model

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Reason is a stable machine-readable code; clients use it to distinguish a
// missing credential from an invalid one without the gateway leaking why a
// particular credential failed.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Machine-readable error reasons surfaced to API clients.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonInvalidCredential = "invalid_credential"
	ReasonForbidden         = "forbidden"
	ReasonRateLimited       = "rate_limited"
)
