package canbus

import (
	"testing"
	"time"
)

// fakeAutobaudDriver is a Driver whose ReadFrame/ErrorCounter behavior is
// keyed off the most recently configured bitrate, letting a test script
// exactly which candidate (if any) Autobaud should accept or reject.
type fakeAutobaudDriver struct {
	bitrate  int
	acceptAt int // candidate bitrate that should yield a frame; 0 = none

	rejected map[int]bool // candidates whose error counter should rise
	errs     uint32
}

func (d *fakeAutobaudDriver) ReadFrame(fr *Frame) error {
	if d.acceptAt != 0 && d.bitrate == d.acceptAt {
		return nil
	}
	return ErrWouldBlock
}

func (d *fakeAutobaudDriver) WriteFrame(fr Frame) error { return nil }

func (d *fakeAutobaudDriver) SetBitrate(bps int) error {
	d.bitrate = bps
	return nil
}

func (d *fakeAutobaudDriver) ErrorCounter() (uint32, error) {
	if d.rejected[d.bitrate] {
		d.errs++
	}
	return d.errs, nil
}

func (d *fakeAutobaudDriver) Close() error { return nil }

// withFakeAutobaudClock installs a fake nowFn/sleepFn pair where sleepFn
// advances the clock nowFn reads, so a 300ms probe window resolves
// instantly instead of requiring real wall-clock time.
func withFakeAutobaudClock(t *testing.T) {
	t.Helper()
	origNow, origSleep := nowFn, sleepFn
	fc := time.Now()
	nowFn = func() time.Time { return fc }
	sleepFn = func(d time.Duration) { fc = fc.Add(d) }
	t.Cleanup(func() { nowFn, sleepFn = origNow, origSleep })
}

func TestAutobaudAcceptsFirstCandidate(t *testing.T) {
	withFakeAutobaudClock(t)
	d := &fakeAutobaudDriver{acceptAt: AutobaudCandidates[0]}

	bps, err := Autobaud(d, CAN0)
	if err != nil {
		t.Fatalf("Autobaud: %v", err)
	}
	if bps != AutobaudCandidates[0] {
		t.Fatalf("expected %d accepted, got %d", AutobaudCandidates[0], bps)
	}
}

func TestAutobaudRejectsThenAcceptsLaterCandidate(t *testing.T) {
	withFakeAutobaudClock(t)
	d := &fakeAutobaudDriver{
		acceptAt: AutobaudCandidates[2],
		rejected: map[int]bool{AutobaudCandidates[0]: true, AutobaudCandidates[1]: true},
	}

	bps, err := Autobaud(d, CAN0)
	if err != nil {
		t.Fatalf("Autobaud: %v", err)
	}
	if bps != AutobaudCandidates[2] {
		t.Fatalf("expected %d accepted, got %d", AutobaudCandidates[2], bps)
	}
}

func TestAutobaudTimesOutCandidateWithNoFrameOrError(t *testing.T) {
	withFakeAutobaudClock(t)
	d := &fakeAutobaudDriver{acceptAt: AutobaudCandidates[1]}

	bps, err := Autobaud(d, CAN0)
	if err != nil {
		t.Fatalf("Autobaud: %v", err)
	}
	if bps != AutobaudCandidates[1] {
		t.Fatalf("expected the first candidate's timeout to fall through to %d, got %d", AutobaudCandidates[1], bps)
	}
}

func TestAutobaudExhaustsAllCandidates(t *testing.T) {
	withFakeAutobaudClock(t)
	d := &fakeAutobaudDriver{}

	_, err := Autobaud(d, CAN0)
	if err != ErrAutobaudExhausted {
		t.Fatalf("expected ErrAutobaudExhausted, got %v", err)
	}
}
