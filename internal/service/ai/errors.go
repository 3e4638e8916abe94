package ai

import "fmt"

type ProviderErrorKind int

const (
	// ProviderUnavailable means no model was configured or initialized.
	ProviderUnavailable ProviderErrorKind = iota + 1
	// ProviderBlocked means the provider refused the prompt.
	ProviderBlocked
	// ProviderFailure covers any fault while opening or reading the stream.
	ProviderFailure
)

const (
	reasonUnavailable = "model unavailable"
	reasonFailure     = "unexpected error contacting AI service"
)

// ProviderError is the domain error carried by a SystemError chunk event.
type ProviderError struct {
	Kind   ProviderErrorKind
	Reason string
}

func (e *ProviderError) Error() string {
	return "provider: " + e.Reason
}

// Marker renders the in-band text sent to the client.
func (e *ProviderError) Marker() string {
	switch e.Kind {
	case ProviderUnavailable:
		return "[SYSTEM: AI model is currently unavailable.]"
	case ProviderBlocked:
		return fmt.Sprintf("[SYSTEM: Request blocked (%s). Rephrase query.]", e.Reason)
	default:
		return "[SYSTEM: Unexpected error contacting AI service.]"
	}
}

func unavailableError() *ProviderError {
	return &ProviderError{Kind: ProviderUnavailable, Reason: reasonUnavailable}
}

func blockedError(reason string) *ProviderError {
	if reason == "" {
		reason = "Safety Filter"
	}
	return &ProviderError{Kind: ProviderBlocked, Reason: reason}
}

func failureError() *ProviderError {
	return &ProviderError{Kind: ProviderFailure, Reason: reasonFailure}
}
