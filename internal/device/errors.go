package device

import (
	"errors"
	"fmt"
)

var (
	// ErrLoginFailed the radio rejected the credentials or bounced back to its login page
	ErrLoginFailed = errors.New("login failed")

	// ErrNoData no signal, ccq or frequency could be extracted
	ErrNoData = errors.New("no link data in response")

	// ErrFormNotFound no page exposed a frequency form
	ErrFormNotFound = errors.New("frequency form not found")
)

// AdapterError wraps any failure talking to a radio. Timeouts, transport,
// auth and parse failures all surface as this type.
type AdapterError struct {
	Op      string
	Address string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func wrap(op, address string, err error) error {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return &AdapterError{Op: op, Address: address, Err: err}
}
