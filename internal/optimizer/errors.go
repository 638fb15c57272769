package optimizer

import (
	"fmt"
	"strings"
)

// Failure kinds. Every error that leaves this package carries one, so the
// worker can fail a job with a message that tells the user what to do next
// instead of leaking a raw stack trace.
const (
	KindInput        = "input"        // bad dataset/prompt/config before the optimizer ran
	KindCredentials  = "credentials"  // model auth expired or missing
	KindAccess       = "access"       // model access denied
	KindThrottled    = "throttled"    // rate limited by the model dependency
	KindService      = "service"      // other model-dependency failure
	KindTimeout      = "timeout"      // optimizer deadline exceeded
	KindCancelled    = "cancelled"    // cooperative stop
	KindOptimization = "optimization" // anything else the optimizer raised
)

// Error is a classified optimizer failure.
type Error struct {
	Kind        string
	Message     string
	Remediation string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// UserMessage is the single log line a failed job shows the user.
func (e *Error) UserMessage() string {
	if e.Remediation == "" {
		return e.Message
	}
	return e.Message + " (" + e.Remediation + ")"
}

func remediationFor(kind string) string {
	switch kind {
	case KindCredentials:
		return "refresh your model API credentials and retry"
	case KindAccess:
		return "request access to the configured model"
	case KindThrottled:
		return "reduce rate_limit or retry later"
	case KindService:
		return "check the model service status and retry"
	default:
		return ""
	}
}

// NewError builds a classified error. An empty kind is classified from the
// message text; remediation is filled from the kind.
func NewError(kind, message string) *Error {
	if !validKind(kind) {
		kind = classifyMessage(message)
	}
	return &Error{Kind: kind, Message: message, Remediation: remediationFor(kind)}
}

// InputError marks a failure in request preparation, before the external
// call ever starts.
func InputError(message string) *Error {
	return &Error{Kind: KindInput, Message: message}
}

func validKind(kind string) bool {
	switch kind {
	case KindInput, KindCredentials, KindAccess, KindThrottled,
		KindService, KindTimeout, KindCancelled, KindOptimization:
		return true
	default:
		return false
	}
}

// classifyMessage maps raw failure text onto a kind. Structured error
// events from the stream are preferred; this is the fallback for optimizers
// that only surface a message.
func classifyMessage(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "expired"),
		strings.Contains(m, "unauthorized"),
		strings.Contains(m, "invalid api key"),
		strings.Contains(m, "401"):
		return KindCredentials
	case strings.Contains(m, "access denied"),
		strings.Contains(m, "permission denied"),
		strings.Contains(m, "403"):
		return KindAccess
	case strings.Contains(m, "throttl"),
		strings.Contains(m, "rate limit"),
		strings.Contains(m, "too many requests"),
		strings.Contains(m, "429"):
		return KindThrottled
	case strings.Contains(m, "service unavailable"),
		strings.Contains(m, "bad gateway"),
		strings.Contains(m, "overloaded"):
		return KindService
	default:
		return KindOptimization
	}
}
