package timesync

import "testing"

// fakeClock is a directly-settable Clock for deterministic tests.
type fakeClock struct {
	micros uint64
}

func (c *fakeClock) NowMicros() uint64 { return c.micros }
func (c *fakeClock) Set(t uint64)      { c.micros = t }
func (c *fakeClock) Adjust(d int64)    { c.micros = uint64(int64(c.micros) + d) }

func TestFirstSyncSetsClockOutright(t *testing.T) {
	clk := &fakeClock{micros: 0}
	s := NewService(clk)
	s.Start(3, 0)

	s.SyncUpdate(1_000_000, 1_000_010)
	wantsDelayReq := s.FollowUpUpdate(1_000_000, 1_000_005)

	if wantsDelayReq {
		t.Fatal("the very first sync should set time directly, not request a delay round")
	}
	if clk.micros != 1_000_005 {
		t.Fatalf("expected clock set to the follow-up's actual time 1_000_005, got %d", clk.micros)
	}
}

func TestFollowUpIgnoresMismatchedOriginate(t *testing.T) {
	clk := &fakeClock{}
	s := NewService(clk)
	s.Start(2, 0)

	s.SyncUpdate(500, 600)
	// a follow-up referencing a different sync timestamp must be ignored.
	if got := s.FollowUpUpdate(999, 1000); got {
		t.Fatal("follow-up for a non-matching originate timestamp must not trigger a delay round")
	}
}

func TestSecondSyncRequestsDelayRoundOnTurn(t *testing.T) {
	clk := &fakeClock{}
	s := NewService(clk)
	s.Start(2, 0) // numPeers = 1, so syncCountOffset % 1 == 0 always (our turn every round)

	s.SyncUpdate(1000, 1010)
	s.FollowUpUpdate(1000, 1005) // first sync: sets clock, no delay round

	s.SyncUpdate(2000, 2010)
	wantsDelayReq := s.FollowUpUpdate(2000, 2005)
	if !wantsDelayReq {
		t.Fatal("second sync on our turn should request a delay round")
	}
}

func TestDelayUpdateAdjustsClockAndIsIdempotentShape(t *testing.T) {
	clk := &fakeClock{micros: 1_000_000}
	s := NewService(clk)
	s.Start(2, 0)

	s.SyncUpdate(1000, 1010)
	s.FollowUpUpdate(1000, 1005)

	s.SyncUpdate(2000, 2010)
	s.FollowUpUpdate(2000, 2005)

	s.Transmit = 2500
	before := clk.NowMicros()
	s.DelayUpdate(2600)
	// DelayUpdate always applies some adjustment (possibly zero); clock must
	// remain a valid, readable value afterward.
	if clk.NowMicros() == 0 && before != 0 {
		t.Fatal("clock should not reset to zero after DelayUpdate")
	}
}

func TestOnRotationCompleteFiresOnHandoff(t *testing.T) {
	clk := &fakeClock{}
	s := NewService(clk)
	s.Start(3, 1) // numPeers = 2

	var firedAtRound int // 1-based round on which the callback fired, 0 = never
	round := 0
	s.OnRotationComplete = func() {
		if firedAtRound == 0 {
			firedAtRound = round
		}
	}

	// drive enough rounds to exceed syncCount <= 5 and land off-turn: with
	// numPeers=2 and index=1, syncCountOffset = syncCount+1, and the
	// off-turn branch's handoff check ((syncCountOffset+1)%numPeers==0)
	// first holds once syncCount=6, i.e. on round 6.
	for i := 0; i < 8; i++ {
		round = i + 1
		us := uint64(1000 * round)
		s.SyncUpdate(us, us+5)
		s.FollowUpUpdate(us, us+2)
	}

	if firedAtRound != 6 {
		t.Fatalf("expected OnRotationComplete to fire on round 6, fired on round %d", firedAtRound)
	}
}

func TestPeerOffsetHintStartsZero(t *testing.T) {
	clk := &fakeClock{}
	s := NewService(clk)
	if s.PeerOffsetHint() != 0 {
		t.Fatalf("expected zero offset hint before any off-turn follow-up, got %d", s.PeerOffsetHint())
	}
}

func TestNowReflectsClock(t *testing.T) {
	clk := &fakeClock{micros: 5_000_000}
	s := NewService(clk)
	if got := s.Now().UnixMicro(); got != 5_000_000 {
		t.Fatalf("expected Now() to reflect clock at 5_000_000us, got %d", got)
	}
}
