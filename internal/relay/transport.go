package relay

import (
	"time"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

// Transport is the byte link to the relay board. Only the controller that
// owns it may read or write.
//
// Write must put p on the wire contiguously. ReadAvailable returns whatever
// bytes have arrived since the last call and must not block.
type Transport interface {
	Write(p []byte) (int, error)
	ReadAvailable() ([]byte, error)
}

// Recorder receives every command the controller writes and every state
// change it confirms, in order. Calls run on the goroutine delivering
// controller events and must not block.
type Recorder interface {
	RecordCommand(at time.Time, relay int, state model.RelayState, seq byte, err error)
	RecordStateChange(at time.Time, relay int, state model.RelayState, source string)
}
