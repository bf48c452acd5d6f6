package vendorclient

import "fmt"

// ErrorClass is the taxonomy of upstream failure classes from spec §7.
type ErrorClass string

const (
	ClassQuotaExhaustedLocal  ErrorClass = "QuotaExhausted"
	ClassQuotaExhaustedRemote ErrorClass = "QuotaExhausted"
	ClassAuthError            ErrorClass = "AuthError"
	ClassNetwork              ErrorClass = "Network"
	ClassServiceUnavailable   ErrorClass = "ServiceUnavailable"
	ClassVehicleOffline       ErrorClass = "VehicleOffline"
	ClassVehicleNotFound      ErrorClass = "VehicleNotFound"
	ClassPartialPayload       ErrorClass = "PartialPayload"
	ClassUnknown              ErrorClass = "Unknown"
)

// ClassifiedError is the structured error surfaced to callers of Fetch
// and, ultimately, to the HTTP boundary (spec §7: "structured JSON with
// error_type tag").
type ClassifiedError struct {
	Class    ErrorClass
	Message  string
	Err      error
	IsRemote bool // only meaningful for ClassQuotaExhaustedRemote vs local
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classified(class ErrorClass, msg string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Message: msg, Err: err}
}

// HTTPStatus maps a classified error to the dashboard's response code
// (spec §7: 429, 401, 504, 503, else 500).
func HTTPStatus(err error) int {
	var ce *ClassifiedError
	if !asClassifiedError(err, &ce) {
		return 500
	}
	switch ce.Class {
	case ClassQuotaExhaustedLocal: // same value as ClassQuotaExhaustedRemote
		return 429
	case ClassAuthError:
		return 401
	case ClassNetwork:
		return 504
	case ClassServiceUnavailable:
		return 503
	default:
		return 500
	}
}

func asClassifiedError(err error, target **ClassifiedError) bool {
	for err != nil {
		if ce, ok := err.(*ClassifiedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
