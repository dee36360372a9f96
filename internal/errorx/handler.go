package errorx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"rai/internal/agent"
	"rai/internal/ai"
	"rai/internal/config"
	"rai/internal/logger"
	"rai/internal/redact"
)

// ErrorLevel represents the severity of an error
type ErrorLevel int

const (
	InfoLevel ErrorLevel = iota
	WarningLevel
	ErrLevel
	CriticalLevel
)

// Handler provides centralized error handling
type Handler struct {
	// RecoveryEnabled determines if panics should be recovered
	RecoveryEnabled bool
	// LogStackTraces determines if stack traces should be logged
	LogStackTraces bool
	// OnCritical is called for critical errors
	OnCritical func(error)
}

// NewHandler creates a new error handler
func NewHandler() *Handler {
	return &Handler{RecoveryEnabled: true}
}

// Handle logs err at level. Credentials in the message are masked.
func (h *Handler) Handle(err error, level ErrorLevel, msg string) {
	if err == nil {
		return
	}

	formatted := redact.Redact(fmt.Sprintf("%s: %v", msg, err))

	switch level {
	case InfoLevel:
		logger.Infof("%s", formatted)
	case WarningLevel:
		logger.Warnf("%s", formatted)
	case ErrLevel:
		logger.Errorf("%s", formatted)
		if h.LogStackTraces {
			logger.Debugf("Stack trace:\n%s", debug.Stack())
		}
	case CriticalLevel:
		logger.Errorf("CRITICAL %s", formatted)
		if h.LogStackTraces {
			logger.Errorf("Stack trace:\n%s", debug.Stack())
		}
		if h.OnCritical != nil {
			h.OnCritical(err)
		}
	}
}

// HandleWithRecovery runs fn and turns a panic into an error.
func (h *Handler) HandleWithRecovery(fn func() error) (err error) {
	if !h.RecoveryEnabled {
		return fn()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
			h.Handle(err, CriticalLevel, "Panic recovered")
		}
	}()

	return fn()
}

// UserError represents an error that can be shown to users
type UserError struct {
	Message string
	Err     error
}

// Error implements the error interface
func (e UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error
func NewUserError(msg string, err error) UserError {
	return UserError{Message: msg, Err: err}
}

// IsUserError checks if an error is a UserError
func IsUserError(err error) bool {
	var ue UserError
	return errors.As(err, &ue)
}

// Describe maps an error to a short message for the person at the console
// or the API caller. Unknown errors fall back to their redacted text.
func Describe(err error) string {
	var ue UserError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return ue.Message
	case errors.Is(err, config.ErrMissingCredential):
		return "No API key configured. Set " + config.CredentialEnv + " or openai.api_key."
	case errors.Is(err, ai.ErrUnsupportedSampling):
		return "Only single-choice completions with a temperature between 0 and 2 are supported."
	case errors.Is(err, agent.ErrUncompressible):
		return "The system prompt alone does not fit the model's context window."
	case errors.Is(err, agent.ErrBudgetUnsatisfiable):
		return "The conversation could not be shortened enough to continue."
	case errors.Is(err, agent.ErrPromptTooLarge):
		return "The summary model's context window is too small for its instructions."
	case errors.Is(err, agent.ErrUnknownTier):
		return "The configured model has no context limit entry in the tier table."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out."
	}

	switch code := ai.StatusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "The model service rejected the API key."
	case code == http.StatusNotFound:
		return "The model service does not know the requested model."
	case errors.Is(err, ai.ErrRetriesExhausted):
		return "The model service is unavailable, please try again later."
	case code == http.StatusTooManyRequests:
		return "The model service is rate limiting requests."
	}

	return redact.Redact(err.Error())
}

// HTTPStatus maps an error to the status an API response should carry.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ai.ErrUnsupportedSampling),
		errors.Is(err, agent.ErrUnknownTier),
		IsUserError(err):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrUncompressible),
		errors.Is(err, agent.ErrBudgetUnsatisfiable),
		errors.Is(err, agent.ErrPromptTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ai.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case ai.StatusCode(err) != 0:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// DefaultHandler is the default error handler instance
var DefaultHandler = NewHandler()

// Handle is a convenience function using the default handler
func Handle(err error, level ErrorLevel, msg string) {
	DefaultHandler.Handle(err, level, msg)
}

// HandleWithRecovery is a convenience function using the default handler
func HandleWithRecovery(fn func() error) error {
	return DefaultHandler.HandleWithRecovery(fn)
}
