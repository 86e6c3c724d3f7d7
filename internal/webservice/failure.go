package webservice

import "errors"

// FailureKind classifies why an activation ended without serving.
type FailureKind string

const (
	// FailureEnvironment means the host has no usable network address.
	FailureEnvironment FailureKind = "environment"
	// FailureTransport means one of the servers could not bind or listen.
	FailureTransport FailureKind = "transport"
)

// ErrNoAddress is the cause of every environment failure.
var ErrNoAddress = errors.New("no network address")

// Failure is what the controller hands to presentation when an activation
// fails. Message is what the user sees.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

func environmentFailure() *Failure {
	return &Failure{Kind: FailureEnvironment, Message: ErrNoAddress.Error(), Err: ErrNoAddress}
}

func transportFailure(err error) *Failure {
	return &Failure{Kind: FailureTransport, Message: err.Error(), Err: err}
}
