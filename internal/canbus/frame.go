// Package canbus defines the local CAN0/CAN1 bus boundary: the opaque frame
// type shared with the wire codec and the Driver interface implemented by
// the SocketCAN and serial-UART backends.
package canbus

// SocketCAN flag bits for can_id (same values as <linux/can.h>).
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxClassicLen and MaxFDLen bound Frame.Len per §3's CanPayload definition.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Channel identifies which local bus a frame was read from or is destined for.
type Channel uint8

const (
	CAN0 Channel = iota
	CAN1
)

// Frame is a CAN or CAN-FD frame exchanged with the local bus. CANID carries
// SocketCAN-style EFF/RTR/ERR flags in its upper bits; Len is valid payload
// length (<=8 classic, <=64 FD); only Data[:Len] is meaningful.
type Frame struct {
	CANID uint32
	FD    bool
	Len   uint8
	Data  [MaxFDLen]byte
}
