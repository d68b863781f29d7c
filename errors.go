package botspot

import (
	"github.com/joomcode/errorx"
)

// Errors is the namespace for all typed errors produced by botspot components.
var Errors = errorx.NewNamespace("botspot")

var (
	// ErrInvalidArgument is returned when a caller passes bad input,
	// e.g. an empty question or conflicting ask options.
	ErrInvalidArgument = Errors.NewType("invalid_argument")

	// ErrConfig is returned on component misconfiguration, e.g. a mongo-backed
	// component enabled without a database connection.
	ErrConfig = Errors.NewType("config")

	// ErrComponentDisabled is returned when a disabled component is used.
	ErrComponentDisabled = Errors.NewType("component_disabled")

	// ErrAccessDenied is returned when a user is not allowed to perform an operation.
	ErrAccessDenied = Errors.NewType("access_denied")

	// ErrRateLimited is returned when a trial mode limit is exceeded.
	ErrRateLimited = Errors.NewType("rate_limited")

	// TraitReportToDev marks errors that should be forwarded to the developer chat.
	TraitReportToDev = errorx.RegisterTrait("report_to_dev")

	// PropertyUserMessage carries a user-facing message that the error handler
	// sends to the chat instead of the canned one.
	PropertyUserMessage = errorx.RegisterProperty("user_message")
)

// UserMessage extracts a user-facing message from an error, if it carries one.
func UserMessage(err error) (string, bool) {
	v, ok := errorx.ExtractProperty(err, PropertyUserMessage)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ShouldReportToDev reports whether the error asks to be forwarded to the developer chat.
func ShouldReportToDev(err error) bool {
	return errorx.HasTrait(err, TraitReportToDev)
}
