package processor

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v74"
)

// UnknownErrorCode is the sentinel used when a processor error body carries
// no code, so every classified error carries a non-empty code.
const UnknownErrorCode = "unknown_error"

// ConfigurationError means a required input was missing or invalid before
// any remote call was made. Fatal, never retried.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing mandatory parameter: %s", e.Field)
}

// ProcessorCommunicationError means the call to the processor itself failed
// (network, timeout, auth, malformed response). The outcome of the attempted
// operation is unknown: callers must re-query state rather than blindly
// retry a charge-creating call.
type ProcessorCommunicationError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ProcessorCommunicationError) Error() string {
	return fmt.Sprintf("processor communication failed during %s (%s): %s", e.Op, e.Code, e.Message)
}

func (e *ProcessorCommunicationError) Unwrap() error { return e.Err }

// PaymentDeclinedError means the processor explicitly rejected the charge or
// action. Terminal for this attempt; the local intent record still reflects
// the declined status.
type PaymentDeclinedError struct {
	Op          string
	Code        string
	DeclineCode string
	Message     string
	Err         error
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined during %s (%s): %s", e.Op, e.Code, e.Message)
}

func (e *PaymentDeclinedError) Unwrap() error { return e.Err }

// NotFoundError means a referenced remote entity does not exist. It is a
// positive signal at enumerated call sites (plan lookup) and a hard failure
// everywhere else.
type NotFoundError struct {
	Op      string
	Message string
	Err     error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote entity not found during %s: %s", e.Op, e.Message)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ReconciliationConflictError means an inbound notification references a
// local record in a state unreachable from the event. Logged and
// acknowledged: redelivery cannot resolve it.
type ReconciliationConflictError struct {
	EventType string
	Reference string
	Message   string
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("reconciliation conflict for %s (%s): %s", e.EventType, e.Reference, e.Message)
}

// Classify maps any processor failure to the error taxonomy. Card/bank
// originated failures become PaymentDeclinedError, a resource_missing code
// becomes NotFoundError, everything else (transport errors and timeouts
// included) becomes ProcessorCommunicationError.
func Classify(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		code := string(sErr.Code)
		if code == "" {
			code = UnknownErrorCode
		}
		switch {
		case sErr.Code == stripe.ErrorCodeResourceMissing:
			return &NotFoundError{Op: op, Message: sErr.Msg, Err: err}
		case sErr.Type == stripe.ErrorTypeCard || sErr.DeclineCode != "":
			return &PaymentDeclinedError{
				Op:          op,
				Code:        code,
				DeclineCode: string(sErr.DeclineCode),
				Message:     sErr.Msg,
				Err:         err,
			}
		default:
			return &ProcessorCommunicationError{Op: op, Code: code, Message: sErr.Msg, Err: err}
		}
	}
	return &ProcessorCommunicationError{Op: op, Code: UnknownErrorCode, Message: err.Error(), Err: err}
}
