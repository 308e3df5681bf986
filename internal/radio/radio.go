package radio

import (
	"context"
	"time"
)

// TxParams selects the channel and data rate for the next operation
type TxParams struct {
	Frequency uint32 // Hz
	DataRate  uint8  // regional data rate index
}

// Window describes one receive window: how long after the end of the
// uplink it opens and how long it stays open
type Window struct {
	Delay    time.Duration
	Duration time.Duration
}

// Transceiver abstracts the LoRa radio. The protocol engine depends on
// these three operations only; register-level programming belongs to the
// implementation. Transmit returns once the frame is on the air; Receive
// returns the received frame, nil if the window closed empty, or an error.
// The engine owns the radio: calls are never concurrent.
type Transceiver interface {
	Configure(params TxParams) error
	Transmit(ctx context.Context, payload []byte) error
	Receive(ctx context.Context, window Window) ([]byte, error)
}
