package app

import "fmt"

// DomainError is a caller-facing failure: Status becomes the HTTP response
// code and Code is a stable machine-readable tag (VALIDATION_ERROR,
// ALREADY_VERIFIED, EVIDENCE_TOO_LARGE, ...). Anything else surfacing from a
// handler is treated as an internal error.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
