package app

import "fmt"

// DomainError is a service-level failure with a fixed HTTP mapping. The
// admin handlers unwrap it with errors.As and render Status, Code, and
// Message; anything else becomes a generic 500. Protocol errors on the
// websocket path never pass through here.
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
