package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportSubmission is returned when the transport rejects a publish or subscribe synchronously
	ErrTransportSubmission = errors.New("urlbridge: transport submission failed")
	// ErrTransportTimeout is returned when no acknowledgement arrives before the deadline
	ErrTransportTimeout = errors.New("urlbridge: acknowledgement timeout")
	// ErrTransportAck is returned when the acknowledgement carries a failure code
	ErrTransportAck = errors.New("urlbridge: acknowledgement reported failure")
	// ErrProtocolDecode marks malformed, empty or misrouted payloads
	ErrProtocolDecode = errors.New("urlbridge: malformed payload")
	// ErrRemoteApplication marks a well-formed error object from the far end
	ErrRemoteApplication = errors.New("urlbridge: remote application error")
	// ErrLocalRegistration marks a local service registration or teardown failure
	ErrLocalRegistration = errors.New("urlbridge: local service registration failed")
	// ErrNotSubscribed is returned when no response subscription could be established
	ErrNotSubscribed = errors.New("urlbridge: response topic not subscribed")
)

// BridgeError carries the operation that failed alongside the error kind
type BridgeError struct {
	Op   string // Operation that failed (publish, subscribe, register, ...)
	Kind error  // One of the Err* kinds above
	Err  error  // Underlying error, may be nil
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is/As
func (e *BridgeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewBridgeError builds a BridgeError
func NewBridgeError(op string, kind, err error) *BridgeError {
	return &BridgeError{Op: op, Kind: kind, Err: err}
}
