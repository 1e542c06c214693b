// Package wire packs and unpacks CommBlock datagrams (§3, §4.1): the single
// envelope carried over the UDP multicast group. Encoding is explicit
// byte-by-byte little-endian, never relying on in-memory struct layout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sdtruck/forwarder/internal/canbus"
	"github.com/sdtruck/forwarder/internal/metrics"
)

// Kind discriminates the CommBlock payload (§3).
type Kind uint8

const (
	KindCAN           Kind = 1
	KindSensor        Kind = 2
	KindReportRequest Kind = 3
	KindHealthReport  Kind = 4
	KindSync          Kind = 5
	KindFollowUp      Kind = 6
	KindDelayRequest  Kind = 7
	KindDelayResponse Kind = 8
)

// HeaderSize is the fixed, padding-free CommBlock header size (§3/§4.1).
const HeaderSize = 14

// MaxSignals bounds SensorPayload.NumSignals (§3, clamped defensively on
// ingress per §4.1).
const MaxSignals = 16

// ErrTruncated is returned when a datagram is shorter than its kind demands.
var ErrTruncated = errors.New("wire: truncated datagram")

// ErrUnknownKind is returned for a kind byte outside 1..8. §4.1: a soft
// error — callers drop the datagram and continue.
var ErrUnknownKind = errors.New("wire: unknown kind")

// ErrOversizeSensor is returned when the sensor payload is too short to hold
// the signal count it claims (after clamping to MaxSignals) — the whole
// datagram is dropped.
var ErrOversizeSensor = errors.New("wire: sensor payload exceeds bounds")

// Header is the mandatory 14-byte CommBlock envelope.
type Header struct {
	Index       uint8
	Kind        Kind
	FrameNumber uint32
	Timestamp   uint64 // microseconds since Unix epoch
}

// CanPayload is the kind-1 payload (§3).
type CanPayload struct {
	SequenceNumber uint32
	Frame          canbus.Frame
	NeedResponse   bool
}

// SensorPayload is the kind-2 payload (§3).
type SensorPayload struct {
	Signals []float32
}

// HealthCore mirrors the Welford aggregate reported per peer (§3).
type HealthCore struct {
	Count                   uint32
	Min                     float32
	Max                     float32
	Mean                    float32
	Variance                float32
	SumOfSquaredDifferences float32
}

// NodeReport is one peer's entry in a kind-4 report (§3).
type NodeReport struct {
	PacketLoss uint32
	Goodput    uint32
	Latency    HealthCore
	Jitter     HealthCore
}

// TimePayload carries the extra correlation timestamp kinds 6 and 8 append
// (§3: "kinds 6 and 8 append one additional 8-byte original send timestamp").
type TimePayload struct {
	OriginalSendTimestamp uint64
}

// Message is a decoded CommBlock: the header plus whichever payload its Kind
// selects. Exactly one of the payload fields is meaningful, selected by
// Header.Kind — an explicit sum type rather than an in-memory union, per the
// DESIGN NOTES' "replace tagged union / bitcast over memory" guidance.
type Message struct {
	Header  Header
	Can     *CanPayload
	Sensor  *SensorPayload
	Reports []NodeReport // kind 4, len == N, index order
	Time    *TimePayload // kinds 6, 8 (nil for 5 and 7, which need none)
}

// Pack writes msg into buf using little-endian field order with no
// structural padding, and returns the number of bytes written. buf must be
// large enough for the header plus the kind's payload; otherwise an error is
// returned.
func Pack(msg *Message, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: pack: buffer too small for header (%d < %d)", len(buf), HeaderSize)
	}
	buf[0] = msg.Header.Index
	buf[1] = byte(msg.Header.Kind)
	binary.LittleEndian.PutUint32(buf[2:6], msg.Header.FrameNumber)
	binary.LittleEndian.PutUint64(buf[6:14], msg.Header.Timestamp)
	n := HeaderSize

	switch msg.Header.Kind {
	case KindCAN:
		return packCAN(msg, buf, n)
	case KindSensor:
		return packSensor(msg, buf, n)
	case KindReportRequest:
		return n, nil
	case KindHealthReport:
		return packReport(msg, buf, n)
	case KindSync, KindDelayRequest:
		return n, nil
	case KindFollowUp, KindDelayResponse:
		return packTime(msg, buf, n)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, msg.Header.Kind)
	}
}

func packCAN(msg *Message, buf []byte, n int) (int, error) {
	p := msg.Can
	if p == nil {
		return 0, errors.New("wire: pack: kind 1 requires CanPayload")
	}
	need := n + 4 + 1 + 1 + 4 + 1 + int(p.Frame.Len)
	if p.Frame.FD {
		need++ // flags byte
	}
	if len(buf) < need {
		return 0, fmt.Errorf("wire: pack: buffer too small for CAN payload (%d < %d)", len(buf), need)
	}
	binary.LittleEndian.PutUint32(buf[n:n+4], p.SequenceNumber)
	n += 4
	buf[n] = boolByte(p.Frame.FD)
	n++
	buf[n] = boolByte(p.NeedResponse)
	n++
	binary.LittleEndian.PutUint32(buf[n:n+4], p.Frame.CANID)
	n += 4
	buf[n] = p.Frame.Len
	n++
	if p.Frame.FD {
		buf[n] = 0 // flags reserved
		n++
	}
	copy(buf[n:n+int(p.Frame.Len)], p.Frame.Data[:p.Frame.Len])
	n += int(p.Frame.Len)
	return n, nil
}

func packSensor(msg *Message, buf []byte, n int) (int, error) {
	p := msg.Sensor
	if p == nil {
		return 0, errors.New("wire: pack: kind 2 requires SensorPayload")
	}
	count := len(p.Signals)
	if count > MaxSignals {
		count = MaxSignals
	}
	need := n + 1 + count*4
	if len(buf) < need {
		return 0, fmt.Errorf("wire: pack: buffer too small for sensor payload (%d < %d)", len(buf), need)
	}
	buf[n] = uint8(count)
	n++
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(p.Signals[i]))
		n += 4
	}
	return n, nil
}

func packReport(msg *Message, buf []byte, n int) (int, error) {
	need := n + len(msg.Reports)*nodeReportSize
	if len(buf) < need {
		return 0, fmt.Errorf("wire: pack: buffer too small for report payload (%d < %d)", len(buf), need)
	}
	for _, r := range msg.Reports {
		n = putNodeReport(buf, n, r)
	}
	return n, nil
}

func packTime(msg *Message, buf []byte, n int) (int, error) {
	p := msg.Time
	if p == nil {
		return 0, errors.New("wire: pack: this kind requires TimePayload")
	}
	need := n + 8
	if len(buf) < need {
		return 0, fmt.Errorf("wire: pack: buffer too small for time payload (%d < %d)", len(buf), need)
	}
	binary.LittleEndian.PutUint64(buf[n:n+8], p.OriginalSendTimestamp)
	n += 8
	return n, nil
}

const nodeReportSize = 4 + 4 + healthCoreSize*2
const healthCoreSize = 4 + 4 + 4 + 4 + 4 + 4

func putNodeReport(buf []byte, n int, r NodeReport) int {
	binary.LittleEndian.PutUint32(buf[n:n+4], r.PacketLoss)
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], r.Goodput)
	n += 4
	n = putHealthCore(buf, n, r.Latency)
	n = putHealthCore(buf, n, r.Jitter)
	return n
}

func putHealthCore(buf []byte, n int, h HealthCore) int {
	binary.LittleEndian.PutUint32(buf[n:n+4], h.Count)
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(h.Min))
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(h.Max))
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(h.Mean))
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(h.Variance))
	n += 4
	binary.LittleEndian.PutUint32(buf[n:n+4], float32bits(h.SumOfSquaredDifferences))
	n += 4
	return n
}

func getNodeReport(buf []byte, n int) (NodeReport, int) {
	var r NodeReport
	r.PacketLoss = binary.LittleEndian.Uint32(buf[n : n+4])
	n += 4
	r.Goodput = binary.LittleEndian.Uint32(buf[n : n+4])
	n += 4
	r.Latency, n = getHealthCore(buf, n)
	r.Jitter, n = getHealthCore(buf, n)
	return r, n
}

func getHealthCore(buf []byte, n int) (HealthCore, int) {
	var h HealthCore
	h.Count = binary.LittleEndian.Uint32(buf[n : n+4])
	n += 4
	h.Min = float32frombits(binary.LittleEndian.Uint32(buf[n : n+4]))
	n += 4
	h.Max = float32frombits(binary.LittleEndian.Uint32(buf[n : n+4]))
	n += 4
	h.Mean = float32frombits(binary.LittleEndian.Uint32(buf[n : n+4]))
	n += 4
	h.Variance = float32frombits(binary.LittleEndian.Uint32(buf[n : n+4]))
	n += 4
	h.SumOfSquaredDifferences = float32frombits(binary.LittleEndian.Uint32(buf[n : n+4]))
	n += 4
	return h, n
}

// Unpack parses a received datagram, returning a nil message and an error
// on any length mismatch or unknown kind — per §4.1, those are soft drops,
// not hard failures: the caller discards the datagram and continues. The
// error names the rejection reason, and metrics.IncMalformed is incremented
// for every rejection.
func Unpack(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	msg := &Message{Header: Header{
		Index:       buf[0],
		Kind:        Kind(buf[1]),
		FrameNumber: binary.LittleEndian.Uint32(buf[2:6]),
		Timestamp:   binary.LittleEndian.Uint64(buf[6:14]),
	}}
	rest := buf[HeaderSize:]
	switch msg.Header.Kind {
	case KindCAN:
		return unpackCAN(msg, rest)
	case KindSensor:
		return unpackSensor(msg, rest)
	case KindReportRequest, KindSync, KindDelayRequest:
		return msg, nil
	case KindHealthReport:
		return unpackReport(msg, rest)
	case KindFollowUp, KindDelayResponse:
		return unpackTime(msg, rest)
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, msg.Header.Kind)
	}
}

func unpackCAN(msg *Message, rest []byte) (*Message, error) {
	const fixed = 4 + 1 + 1 + 4 + 1
	if len(rest) < fixed {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	var p CanPayload
	p.SequenceNumber = binary.LittleEndian.Uint32(rest[0:4])
	p.Frame.FD = rest[4] != 0
	p.NeedResponse = rest[5] != 0
	p.Frame.CANID = binary.LittleEndian.Uint32(rest[6:10])
	dataLen := int(rest[10])
	n := fixed
	maxLen := canbus.MaxClassicLen
	if p.Frame.FD {
		if len(rest) < n+1 {
			metrics.IncMalformed()
			return nil, ErrTruncated
		}
		n++ // flags byte, unused
		maxLen = canbus.MaxFDLen
	}
	if dataLen > maxLen {
		metrics.IncMalformed()
		return nil, fmt.Errorf("wire: CAN payload len %d exceeds max %d", dataLen, maxLen)
	}
	if len(rest) < n+dataLen {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	p.Frame.Len = uint8(dataLen)
	copy(p.Frame.Data[:dataLen], rest[n:n+dataLen])
	msg.Can = &p
	return msg, nil
}

func unpackSensor(msg *Message, rest []byte) (*Message, error) {
	if len(rest) < 1 {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	count := int(rest[0])
	if count > MaxSignals {
		count = MaxSignals // §4.1: clamped defensively on ingress
	}
	need := 1 + count*4
	if len(rest) < need {
		metrics.IncMalformed()
		return nil, ErrOversizeSensor
	}
	signals := make([]float32, count)
	n := 1
	for i := 0; i < count; i++ {
		signals[i] = float32frombits(binary.LittleEndian.Uint32(rest[n : n+4]))
		n += 4
	}
	msg.Sensor = &SensorPayload{Signals: signals}
	return msg, nil
}

func unpackReport(msg *Message, rest []byte) (*Message, error) {
	if len(rest)%nodeReportSize != 0 {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	count := len(rest) / nodeReportSize
	reports := make([]NodeReport, count)
	n := 0
	for i := 0; i < count; i++ {
		reports[i], n = getNodeReport(rest, n)
	}
	msg.Reports = reports
	return msg, nil
}

func unpackTime(msg *Message, rest []byte) (*Message, error) {
	if len(rest) < 8 {
		metrics.IncMalformed()
		return nil, ErrTruncated
	}
	msg.Time = &TimePayload{OriginalSendTimestamp: binary.LittleEndian.Uint64(rest[0:8])}
	return msg, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
