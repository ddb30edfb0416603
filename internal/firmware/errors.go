package firmware

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout means no reply with the command's id arrived within its
	// timeout. The Link has already attempted a safety StopAll.
	ErrAckTimeout = errors.New("firmware: acknowledgement timeout")

	// ErrMalformedFrame marks an inbound line that could not be decoded. Such
	// lines carry no usable id, so the error is logged and counted but never
	// handed to a waiter.
	ErrMalformedFrame = errors.New("firmware: malformed frame")

	// ErrResourceUnavailable means the serial link is closed or was never
	// opened.
	ErrResourceUnavailable = errors.New("firmware: serial link unavailable")
)

// ControllerError is an explicit error reply from the controller.
type ControllerError struct {
	ID      uint64
	Verb    string
	Message string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("firmware: %s (id %d) failed: %s", e.Verb, e.ID, e.Message)
}
