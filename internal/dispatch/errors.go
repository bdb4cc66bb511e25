package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrMalformedRecipient  = errors.New("malformed recipient")
	ErrNoFeeData           = errors.New("no fee data available")
	ErrBidCeiling          = errors.New("required bid exceeds fee ceiling")
	ErrSequenceUnresolved  = errors.New("sequence number not consumed within watch bound")
	ErrRetriesExhausted    = errors.New("retry budget exhausted")
)

// Class tells the engine how far an error reaches.
type Class int

const (
	ClassTransient      Class = iota // retry this recipient
	ClassRecipientFatal              // give up on this recipient only
	ClassFatal                       // abort the run
)

func (c Class) String() string {
	switch c {
	case ClassRecipientFatal:
		return "recipient-fatal"
	case ClassFatal:
		return "fatal"
	}
	return "transient"
}

type classifiedError struct {
	class Class
	err   error
}

func (e classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e classifiedError) Unwrap() error { return e.err }

// Fatal marks err as aborting the whole run.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{class: ClassFatal, err: err}
}

// RecipientFatal marks err as final for the current recipient.
func RecipientFatal(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{class: ClassRecipientFatal, err: err}
}

// ClassOf returns the outermost class attached to err; unmarked errors are transient.
func ClassOf(err error) Class {
	var ce classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassTransient
}

func IsFatal(err error) bool { return err != nil && ClassOf(err) == ClassFatal }
