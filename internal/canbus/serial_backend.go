// Package canbus's serial backend adapts the gateway's UART CAN framing
// (preamble/length/checksum, tarm/serial transport) into the Driver
// interface, for forwarders whose local bus is a serial-attached CAN bridge
// rather than a native SocketCAN controller.
package canbus

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/tarm/serial"

	"github.com/sdtruck/forwarder/internal/metrics"
)

// SerialPort is the subset of tarm/serial's port used here, narrowed for
// test doubles.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenSerialPort opens a tarm/serial port at baud with a short read timeout
// so ReadFrame's underlying Read never blocks the runner for long (§4.7).
var OpenSerialPort = func(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

const (
	uartPre0 = 0x2D
	uartPre1 = 0xD4

	uartMinLen = 6 + 0 + 1 // INS+FLAGS+ID(4)+checksum, zero payload
	uartMaxLen = 6 + 8 + 1 // ... with 8-byte classic payload
)

// SerialCANDriver implements Driver over a serial-attached CAN bridge using
// the preamble/length/checksum UART framing.
type SerialCANDriver struct {
	port SerialPort
	rx   bytes.Buffer
	pend []byte // small scratch for partial reads drained into rx
}

// NewSerialCANDriver wraps an already-open SerialPort.
func NewSerialCANDriver(port SerialPort) *SerialCANDriver {
	return &SerialCANDriver{port: port, pend: make([]byte, 256)}
}

// ReadFrame pulls any newly arrived bytes (bounded by the port's configured
// read timeout, not by this call) and decodes one complete frame if present.
// ErrWouldBlock is returned when no full frame is buffered yet.
func (d *SerialCANDriver) ReadFrame(fr *Frame) error {
	n, err := d.port.Read(d.pend)
	if err != nil && n == 0 {
		// tarm/serial returns an error on its read-timeout expiry with n==0;
		// treat that as "nothing pending" rather than a hard failure.
	} else if n > 0 {
		d.rx.Write(d.pend[:n])
	}

	ok, derr := decodeOne(&d.rx, fr)
	if derr != nil {
		return derr
	}
	if !ok {
		return ErrWouldBlock
	}
	return nil
}

// WriteFrame encodes fr using the UART CAN framing and writes it
// synchronously; the underlying port write is expected to complete in
// microseconds at UART speeds, well within the runner's per-tick budget.
func (d *SerialCANDriver) WriteFrame(fr Frame) error {
	_, err := d.port.Write(encodeFrame(fr))
	return err
}

// SetBitrate is a no-op: the serial bridge's CAN-side bitrate is fixed by
// its own hardware configuration, outside this process's control, so there
// is nothing to probe — autobaud should not be requested for this backend.
func (d *SerialCANDriver) SetBitrate(bps int) error { return nil }

// ErrorCounter always reports zero: the UART framing carries no
// receive-error counter from the bridge hardware.
func (d *SerialCANDriver) ErrorCounter() (uint32, error) { return 0, nil }

func (d *SerialCANDriver) Close() error { return d.port.Close() }

func encodeFrame(f Frame) []byte {
	canID := f.CANID
	if f.CANID&CAN_EFF_FLAG != 0 {
		canID &= CAN_EFF_MASK
	}
	body := make([]byte, 6+int(f.Len)) // INS(1) FLAGS(1) ID(4) PAYLOAD(0..8)
	body[0] = 2                        // CAN UART SEND WITH EXT ID
	body[1] = 0x80 + f.Len
	body[2] = byte(canID >> 24)
	body[3] = byte(canID >> 16)
	body[4] = byte(canID >> 8)
	body[5] = byte(canID)
	copy(body[6:], f.Data[:f.Len])

	frame := make([]byte, len(body)+4)
	frame[0] = uartPre0
	frame[1] = uartPre1
	frame[2] = byte(len(body) + 1)
	sum := frame[2] + uartPre0
	for i, b := range body {
		frame[3+i] = b
		sum += b
	}
	frame[3+len(body)] = sum
	return frame
}

// compactBuffer reclaims consumed prefix capacity once rx has grown large
// relative to its unread bytes, so a long run of misaligned garbage doesn't
// grow the buffer without bound.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// decodeOne extracts at most one complete frame from rx, resyncing on
// malformed length or checksum. Returns ok=false when no complete frame is
// buffered yet — the caller should try again once more bytes arrive.
func decodeOne(rx *bytes.Buffer, fr *Frame) (bool, error) {
	header := []byte{uartPre0, uartPre1}
	for {
		data := rx.Bytes()
		_ = compactBuffer(rx)
		if len(data) < 3 {
			return false, nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			if rx.Len() > 1 {
				last := data[len(data)-1]
				rx.Reset()
				_ = rx.WriteByte(last)
			}
			return false, nil
		}
		if i > 0 {
			rx.Next(i)
			continue
		}
		if len(data) < 4 {
			return false, nil
		}
		ln := int(data[2])
		if ln < uartMinLen || ln > uartMaxLen {
			metrics.IncMalformed()
			rx.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return false, nil
		}

		sum := uint(uartPre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			rx.Next(1)
			continue
		}

		// data[3] is INS and data[4] is FLAGS; the big-endian ID follows.
		id := binary.BigEndian.Uint32(data[5:9])
		payload := data[9 : req-1]
		fr.CANID = id | CAN_EFF_FLAG
		fr.FD = false
		fr.Len = uint8(len(payload))
		copy(fr.Data[:], payload)
		rx.Next(req)
		return true, nil
	}
}

var _ Driver = (*SerialCANDriver)(nil)
