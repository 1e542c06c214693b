package canbus

import "errors"

// Driver is the external CAN-controller collaborator (§1: "the CAN driver
// (takes/emits opaque CAN frames)" is deliberately out of scope). The
// forwarder only depends on this interface; SocketCAN and serial-UART
// backends below are two concrete implementations kept in-tree so the
// boundary has somewhere real to attach during bring-up and testing.
type Driver interface {
	// ReadFrame populates fr with the next received frame. It returns
	// ErrWouldBlock if no frame is currently available — the runner treats
	// this as "try again next tick" per §4.7/§5 (non-blocking I/O only).
	ReadFrame(fr *Frame) error
	// WriteFrame transmits fr. Implementations must not block the caller
	// for longer than a few milliseconds (§4.7).
	WriteFrame(fr Frame) error
	// SetBitrate configures (or reconfigures, during autobaud probing) the
	// channel's bitrate. bps <= 0 is invalid once autobaud has resolved.
	SetBitrate(bps int) error
	// ErrorCounter reports the controller's current receive-error count,
	// used by the autobaud probe (§4.4) to detect a rejected candidate.
	ErrorCounter() (uint32, error)
	Close() error
}

// ErrWouldBlock is returned by Driver.ReadFrame when no frame is pending.
var ErrWouldBlock = errors.New("canbus: would block")

// AutobaudCandidates is the fixed probe order from §4.4.
var AutobaudCandidates = []int{250000, 500000, 125000, 666666, 1000000}

// ErrAutobaudExhausted is returned when every candidate in AutobaudCandidates
// has been rejected. §4.4/§7: this is fatal — the forwarder must not start
// multicast for the affected channel.
var ErrAutobaudExhausted = errors.New("canbus: autobaud exhausted candidate list")
