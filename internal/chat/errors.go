package chat

import "errors"

// Error classes shared by every component. Wrap them with fmt.Errorf("...: %w").
var (
	ErrValidation   = errors.New("invalid message")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrOverloaded   = errors.New("overloaded, retry later")
	ErrTransient    = errors.New("temporarily unavailable")
)

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOverloaded) || errors.Is(err, ErrTransient)
}

// Code maps an error onto the short code sent to clients in error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}
