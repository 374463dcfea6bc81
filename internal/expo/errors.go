package expo

// ErrorCode identifies why a ticket failed. Gateway codes come from ticket
// details; the local codes describe failures detected before or around the
// network call.
type ErrorCode string

// Gateway error codes
const (
	ErrDeviceNotRegistered ErrorCode = "DeviceNotRegistered"
	ErrInvalidCredentials  ErrorCode = "InvalidCredentials"
	ErrMessageTooBig       ErrorCode = "MessageTooBig"
	ErrMessageRateExceeded ErrorCode = "MessageRateExceeded"
	ErrUnknown             ErrorCode = "UnknownError"
)

// Local error codes
const (
	ErrInvalidTokenFormat ErrorCode = "InvalidTokenFormat"
	ErrTransport          ErrorCode = "TransportError"
	ErrMissingTicket      ErrorCode = "MissingTicket"
	ErrCircuitOpen        ErrorCode = "CircuitOpen"
)

// Outcome is what a ticket means for the record and the device token.
type Outcome int

const (
	// OutcomeDelivered: record Success, token failure count reset.
	OutcomeDelivered Outcome = iota
	// OutcomeInvalidToken: record Failed, token disabled at once.
	OutcomeInvalidToken
	// OutcomeRejected: record Failed, token health untouched.
	OutcomeRejected
	// OutcomeFailed: record Failed, token failure counted.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeInvalidToken:
		return "invalid_token"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome maps an error code onto its effect.
func (c ErrorCode) Outcome() Outcome {
	switch c {
	case "":
		return OutcomeDelivered
	case ErrDeviceNotRegistered, ErrInvalidCredentials:
		return OutcomeInvalidToken
	case ErrMessageTooBig, ErrMessageRateExceeded:
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// Retryable reports whether the retry sweep may resubmit a record that
// failed with this code.
func (c ErrorCode) Retryable() bool {
	return c != ErrInvalidTokenFormat
}

// Classify returns the outcome of a ticket.
func Classify(t Ticket) Outcome {
	return t.Code().Outcome()
}

// NonRetryableCodes lists the codes the retry sweep skips.
func NonRetryableCodes() []string {
	return []string{string(ErrInvalidTokenFormat)}
}
