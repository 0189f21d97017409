package dispatch

import "fmt"

// RouteError is a typed execution failure. Executors log it with its cause
// attached and surface only Code and Message to the caller.
type RouteError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RouteError) Unwrap() error {
	return e.Cause
}

func routeError(code, message string, cause error) *RouteError {
	return &RouteError{Code: code, Message: message, Cause: cause}
}
