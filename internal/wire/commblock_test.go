package wire

import (
	"testing"

	"github.com/sdtruck/forwarder/internal/canbus"
)

func TestRoundTripCAN(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{
			name: "classic",
			msg: Message{
				Header: Header{Index: 3, Kind: KindCAN, FrameNumber: 42, Timestamp: 1234567890},
				Can: &CanPayload{
					SequenceNumber: 7,
					Frame:          mkFrame(0x123, false, []byte{1, 2, 3, 4}),
					NeedResponse:   true,
				},
			},
		},
		{
			name: "fd",
			msg: Message{
				Header: Header{Index: 1, Kind: KindCAN, FrameNumber: 1, Timestamp: 9},
				Can: &CanPayload{
					SequenceNumber: 1,
					Frame:          mkFrame(0x1ABCDEF|canbus.CAN_EFF_FLAG, true, make([]byte, 64)),
				},
			},
		},
		{
			name: "zero-length",
			msg: Message{
				Header: Header{Index: 0, Kind: KindCAN, FrameNumber: 0, Timestamp: 0},
				Can:    &CanPayload{Frame: mkFrame(0, false, nil)},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, 256)
			n, err := Pack(&tc.msg, buf)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			got, err := Unpack(buf[:n])
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if got.Header != tc.msg.Header {
				t.Fatalf("header mismatch: got %+v want %+v", got.Header, tc.msg.Header)
			}
			if got.Can == nil {
				t.Fatal("expected CAN payload")
			}
			if *got.Can != *tc.msg.Can {
				t.Fatalf("CAN payload mismatch: got %+v want %+v", *got.Can, *tc.msg.Can)
			}
		})
	}
}

func TestRoundTripSensor(t *testing.T) {
	msg := Message{
		Header: Header{Index: 2, Kind: KindSensor, FrameNumber: 5, Timestamp: 100},
		Sensor: &SensorPayload{Signals: []float32{1.5, -2.25, 0, 3.14159}},
	}
	buf := make([]byte, 128)
	n, err := Pack(&msg, buf)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(buf[:n])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got.Sensor.Signals) != len(msg.Sensor.Signals) {
		t.Fatalf("signal count mismatch: got %d want %d", len(got.Sensor.Signals), len(msg.Sensor.Signals))
	}
	for i := range msg.Sensor.Signals {
		if got.Sensor.Signals[i] != msg.Sensor.Signals[i] {
			t.Fatalf("signal %d mismatch: got %v want %v", i, got.Sensor.Signals[i], msg.Sensor.Signals[i])
		}
	}
}

func TestSensorClampsExcessSignals(t *testing.T) {
	signals := make([]float32, 30)
	for i := range signals {
		signals[i] = float32(i)
	}
	msg := Message{
		Header: Header{Kind: KindSensor},
		Sensor: &SensorPayload{Signals: signals},
	}
	buf := make([]byte, 256)
	n, err := Pack(&msg, buf)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(buf[:n])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got.Sensor.Signals) != MaxSignals {
		t.Fatalf("expected clamp to %d signals, got %d", MaxSignals, len(got.Sensor.Signals))
	}
}

func TestRoundTripReport(t *testing.T) {
	msg := Message{
		Header: Header{Kind: KindHealthReport, FrameNumber: 9},
		Reports: []NodeReport{
			{
				PacketLoss: 3,
				Goodput:    1500,
				Latency:    HealthCore{Count: 10, Min: 1, Max: 9, Mean: 5, Variance: 2, SumOfSquaredDifferences: 20},
				Jitter:     HealthCore{Count: 10, Min: 0, Max: 1, Mean: 0.3, Variance: 0.1, SumOfSquaredDifferences: 1},
			},
			{PacketLoss: 0, Goodput: 0},
		},
	}
	buf := make([]byte, 256)
	n, err := Pack(&msg, buf)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(buf[:n])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got.Reports) != len(msg.Reports) {
		t.Fatalf("report count mismatch: got %d want %d", len(got.Reports), len(msg.Reports))
	}
	for i := range msg.Reports {
		if got.Reports[i] != msg.Reports[i] {
			t.Fatalf("report %d mismatch: got %+v want %+v", i, got.Reports[i], msg.Reports[i])
		}
	}
}

func TestRoundTripTimeKinds(t *testing.T) {
	for _, kind := range []Kind{KindSync, KindDelayRequest} {
		msg := Message{Header: Header{Kind: kind, FrameNumber: 1, Timestamp: 55}}
		buf := make([]byte, 32)
		n, err := Pack(&msg, buf)
		if err != nil {
			t.Fatalf("Pack kind %d: %v", kind, err)
		}
		got, err := Unpack(buf[:n])
		if err != nil {
			t.Fatalf("Unpack kind %d: %v", kind, err)
		}
		if got.Header != msg.Header {
			t.Fatalf("kind %d header mismatch: got %+v want %+v", kind, got.Header, msg.Header)
		}
	}

	for _, kind := range []Kind{KindFollowUp, KindDelayResponse} {
		msg := Message{
			Header: Header{Kind: kind, FrameNumber: 2, Timestamp: 77},
			Time:   &TimePayload{OriginalSendTimestamp: 999999},
		}
		buf := make([]byte, 32)
		n, err := Pack(&msg, buf)
		if err != nil {
			t.Fatalf("Pack kind %d: %v", kind, err)
		}
		got, err := Unpack(buf[:n])
		if err != nil {
			t.Fatalf("Unpack kind %d: %v", kind, err)
		}
		if got.Time == nil || *got.Time != *msg.Time {
			t.Fatalf("kind %d time payload mismatch: got %+v want %+v", kind, got.Time, msg.Time)
		}
	}
}

func TestUnpackRejectsTruncated(t *testing.T) {
	if _, err := Unpack([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
	// valid header, kind 1 (CAN), but payload cut short.
	buf := make([]byte, HeaderSize+2)
	buf[1] = byte(KindCAN)
	if _, err := Unpack(buf); err == nil {
		t.Fatal("expected error for truncated CAN payload")
	}
}

func TestUnpackRejectsUnknownKind(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[1] = 200
	if _, err := Unpack(buf); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func mkFrame(canid uint32, fd bool, data []byte) canbus.Frame {
	var f canbus.Frame
	f.CANID = canid
	f.FD = fd
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}
