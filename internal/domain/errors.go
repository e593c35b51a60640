package domain

import "errors"

// Error taxonomy for the orchestration core. Nothing originating inside a
// call's event processing may leave the core as an unhandled error toward the
// telephony provider; only ErrAuthenticationFailure produces a non-200 at the
// gateway boundary.
var (
	ErrAuthenticationFailure = errors.New("webhook authentication failed")
	ErrValidation            = errors.New("malformed event")
	ErrProviderTimeout       = errors.New("provider call timed out")
	ErrDocumentGeneration    = errors.New("control document failed validation")
	ErrFlowConfiguration     = errors.New("flow configuration invalid")
	ErrSessionEnded          = errors.New("session already ended")
	ErrNotFound              = errors.New("not found")
)
