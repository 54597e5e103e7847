package relay

import (
	"errors"
	"fmt"

	"github.com/thatsimonsguy/relayboard/internal/codec"
)

var (
	ErrInvalidAddress    = codec.ErrInvalidAddress
	ErrInvalidState      = codec.ErrInvalidState
	ErrDuplicateAddress  = errors.New("relay index already registered")
	ErrUnknownChannel    = errors.New("no channel registered for relay index")
	ErrBusy              = errors.New("a command is still awaiting confirmation")
	ErrNotRegistered     = errors.New("channel is not registered with a controller")
	ErrAlreadyRegistered = errors.New("channel already belongs to a controller")
	ErrIndexMismatch     = errors.New("channel relay index does not match registration")
	ErrNoChannels        = errors.New("no relay channels registered")

	// ErrWriteTimeout is wrapped in a LinkError when the transport did not
	// accept a frame within the write timeout.
	ErrWriteTimeout = errors.New("transport write timed out")
	// ErrLinkStalled is wrapped in a LinkError while a timed-out write is
	// still blocked inside the transport.
	ErrLinkStalled = errors.New("previous transport write has not returned")
)

// LinkError reports a failure on the serial link. The affected channel keeps
// its last confirmed state; retrying is up to the caller.
type LinkError struct {
	Op    string
	Relay int
	Err   error
}

func (e *LinkError) Error() string {
	if e.Relay > 0 {
		return fmt.Sprintf("link error during %s (relay %d): %v", e.Op, e.Relay, e.Err)
	}
	return fmt.Sprintf("link error during %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}
