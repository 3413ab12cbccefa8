package xenvelope

import (
	"errors"
	"fmt"
)

// ValidationError reports a structurally invalid envelope field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("xenvelope: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// DecodeError reports a stored payload that is not base64 of UTF-8 text.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "xenvelope: decode payload: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrInvalidBase64 = errors.New("payload is not valid base64")
	ErrInvalidUTF8   = errors.New("payload is not valid utf-8")

	ErrUnsigned                 = errors.New("xenvelope: envelope is not signed")
	ErrInvalidSignature         = errors.New("xenvelope: signature verification failed")
	ErrEnvelopeExpired          = errors.New("xenvelope: envelope expired")
	ErrTargetMismatch           = errors.New("xenvelope: envelope addressed to another target")
	ErrSenderMismatch           = errors.New("xenvelope: signer does not match envelope sender")
	ErrInvalidAddress           = errors.New("xenvelope: invalid address")
	ErrInvalidSchema            = errors.New("xenvelope: invalid schema digest")
	ErrNoSigner                 = errors.New("xenvelope: no signer configured")
	ErrNoVerifier               = errors.New("xenvelope: no verifier configured")
	ErrInvalidGroup             = errors.New("xenvelope: consumer group must not be empty")
	ErrInvalidHandler           = errors.New("xenvelope: handler must not be nil")
	ErrInvalidFrame             = errors.New("xenvelope: message frame carries no envelope")
	ErrBusClosed                = errors.New("xenvelope: bus is closed")
	ErrHandlerPanic             = errors.New("xenvelope: handler panic")
	ErrReplayed                 = errors.New("xenvelope: envelope nonce already seen")
	ErrNoTransportConfigured    = errors.New("xenvelope: no transport configured")
	ErrDefaultBusNotInitialized = errors.New("xenvelope: default bus not initialized")

	ErrObserverPoolShutdownTimeout = errors.New("xenvelope: observer pool shutdown timeout")
)
