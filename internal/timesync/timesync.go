// Package timesync implements the PTP-style sync/follow-up/delay-request/
// delay-response clock exchange (§4.5), grounded on the original PTPClient
// component. The hardware RTC register code (setTeensyTime/getTeensyTime)
// has no portable equivalent, so it is replaced by the Clock interface
// below; every other piece of the exchange — the eight-entry delay-ring,
// the smallest-recent-delay peer selection, and the Huff-and-Puff
// delay-asymmetry correction — is carried over unchanged.
package timesync

import (
	"math"
	"time"

	"github.com/sdtruck/forwarder/internal/metrics"
)

// Clock is the adjustable local clock the time service steers. Set jumps
// straight to a new absolute time (used once, for the very first sync);
// Adjust nudges the clock by a signed delta, used for every subsequent
// correction so small offsets don't cause a visible time jump.
type Clock interface {
	// NowMicros returns microseconds since the Unix epoch.
	NowMicros() uint64
	Set(newTimeMicros uint64)
	Adjust(deltaMicros int64)
}

// SystemClock adapts the process wall clock into a Clock by tracking a
// signed offset rather than touching any OS-level clock.
type SystemClock struct {
	offsetMicros int64
}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (c *SystemClock) NowMicros() uint64 {
	return uint64(time.Now().UnixMicro() + c.offsetMicros)
}

func (c *SystemClock) Set(newTimeMicros uint64) {
	c.offsetMicros = int64(newTimeMicros) - time.Now().UnixMicro()
}

func (c *SystemClock) Adjust(deltaMicros int64) {
	c.offsetMicros += deltaMicros
}

// ringSize is the depth of the delay/offset history (§4.5).
const ringSize = 8

// dataPoint is one entry in the delay ring. offset/delay default to
// math.MaxInt64 so an unfilled slot never wins the smallest-delay search.
type dataPoint struct {
	offset int64
	delay  int64
	time   uint64
	used   bool
}

func freshDataPoint() dataPoint {
	return dataPoint{offset: math.MaxInt64, delay: math.MaxInt64}
}

// Service runs one peer's side of the sync exchange. A forwarder holds one
// Service per active session.
type Service struct {
	clock Clock

	numPeers        uint8
	index           uint8
	syncCount       uint32
	syncCountOffset uint32
	originate       uint64
	receive         uint64

	t1, t2, t3, t4 int64

	buffer              [ringSize]dataPoint
	bufferIndex         uint8
	indexSmallestDelay  uint8 // retained from the original; never advances past 0
	previousClockUpdate uint64

	adjustment          int64
	lastDelay           int64
	betweenRoundsOffset int64 // exposed as PeerOffsetHint (§ supplemented feature)

	// Transmit is stamped by the caller assembling an outgoing delay-request
	// CommBlock before DelayUpdate runs. DelayReqTimestamp is not read by
	// the exchange.
	Transmit          uint64
	DelayReqTimestamp uint64

	// OnRotationComplete fires when the exchange determines it has become
	// the next peer's turn to sync. The original ran Ethernet.maintain()
	// here to keep a DHCP lease alive; the forwarder has no such lease, so
	// this defaults to a no-op and exists purely as an extension point.
	OnRotationComplete func()
}

// NewService returns a Service driven by clock. A nil OnRotationComplete is
// fine: it is only invoked if set.
func NewService(clock Clock) *Service {
	s := &Service{clock: clock}
	for i := range s.buffer {
		s.buffer[i] = freshDataPoint()
	}
	return s
}

// Start begins a session's sync exchange: numMembers is the full multicast
// group size (including this forwarder), index is this forwarder's peer
// index (§4.1 CommBlock.index).
func (s *Service) Start(numMembers, index uint8) {
	s.numPeers = numMembers - 1
	s.index = index
}

// Stop ends the exchange, e.g. on session deactivation.
func (s *Service) Stop() {
	s.numPeers = 0
	s.index = 0
}

// SyncUpdate records an inbound kind-5 sync message. us is the timestamp
// carried in the sync CommBlock; receivedUS is the local receipt time.
func (s *Service) SyncUpdate(us, receivedUS uint64) {
	s.syncCount++
	s.syncCountOffset = s.syncCount + uint32(s.index)
	s.originate = us
	s.receive = receivedUS
}

// FollowUpUpdate processes an inbound kind-6 follow-up. us must match the
// timestamp most recently passed to SyncUpdate for the follow-up to apply;
// actualUS is the follow-up's corrected send timestamp. It returns true when
// the caller should now originate a delay-request (i.e. it is this
// forwarder's turn in the sync rotation).
func (s *Service) FollowUpUpdate(us, actualUS uint64) bool {
	if us != s.originate {
		return false
	}
	ourTurn := s.syncCount <= 5 || (s.numPeers != 0 && s.syncCountOffset%uint32(s.numPeers) == 0)
	if ourTurn {
		if s.syncCount == 1 {
			// first sync: adopt the sync's actual send time outright rather
			// than correcting it.
			s.clock.Set(actualUS)
			return false
		}
		s.originate = actualUS
		return true
	}

	// not our turn, but we can still refine our offset estimate.
	s.betweenRoundsOffset = s.calculateOffset(us)
	if s.numPeers != 0 && (s.syncCountOffset+1)%uint32(s.numPeers) == 0 {
		if s.OnRotationComplete != nil {
			s.OnRotationComplete()
		}
	}
	return false
}

// DelayUpdate processes an inbound kind-8 delay-response carrying the
// responder's receive timestamp us, folds it into the delay ring, and
// steers the local clock by the resulting offset.
func (s *Service) DelayUpdate(us uint64) {
	s.adjustment = s.calculateOffsetDelay(us)
	s.clock.Adjust(s.adjustment)
	metrics.SetPTPOffset(s.adjustment)
	metrics.SetPTPDelay(s.lastDelay)
	metrics.IncSyncRounds()
}

// PeerOffsetHint returns the most recent off-turn offset estimate computed
// while waiting for another peer's sync rotation. It is informational only
// (§ supplemented feature): nothing in the exchange consumes it, but a
// session can surface it for diagnostics.
func (s *Service) PeerOffsetHint() int64 { return s.betweenRoundsOffset }

// Now returns the service's steered local time.
func (s *Service) Now() time.Time {
	return time.UnixMicro(int64(s.clock.NowMicros()))
}

func (s *Service) calculateOffset(us uint64) int64 {
	return int64(us) + s.buffer[s.indexSmallestDelay].delay/2 - int64(s.clock.NowMicros())
}

func (s *Service) calculateOffsetDelay(us uint64) int64 {
	s.t1 = int64(s.originate)
	s.t2 = int64(s.receive)
	s.t3 = int64(s.Transmit)
	s.t4 = int64(us)

	s.buffer[s.bufferIndex] = dataPoint{
		offset: -((s.t2 - s.t1) + (s.t3 - s.t4)) / 2,
		delay:  (s.t4 - s.t1) - (s.t3 - s.t2),
		time:   us,
		used:   false,
	}
	s.lastDelay = s.buffer[s.bufferIndex].delay

	offset := s.getPeerUpdate()
	s.bufferIndex = (s.bufferIndex + 1) % ringSize
	return offset
}

// getPeerUpdate picks the ring entry with the smallest delay among those at
// least as recent as previousClockUpdate, then applies the Huff-and-Puff
// correction for delay asymmetry between the current and chosen entry.
func (s *Service) getPeerUpdate() int64 {
	delay0 := s.buffer[s.bufferIndex].delay
	offset0 := s.buffer[s.bufferIndex].offset
	pui := s.bufferIndex
	for i := 0; i < ringSize; i++ {
		smallDelay := s.buffer[i].delay < s.buffer[pui].delay
		recent := s.buffer[i].time >= s.previousClockUpdate
		if smallDelay && recent {
			pui = uint8(i)
		}
	}
	delay1 := s.buffer[pui].delay
	offset1 := s.buffer[pui].offset

	var peerUpdate int64
	if !s.buffer[pui].used {
		peerUpdate = offset1
	}
	if peerUpdate != 0 {
		switch {
		case offset0 > offset1:
			peerUpdate -= (delay0 - delay1) / 2
		case offset0 < offset1:
			peerUpdate += (delay0 - delay1) / 2
		}
	}
	s.buffer[pui].used = true
	s.previousClockUpdate = s.buffer[pui].time
	return peerUpdate
}
