// Package stats computes per-peer network health (§4.6) using Welford's
// online algorithm, grounded on the original NetworkStats component: latency
// is derived from each CAN datagram's embedded send timestamp, jitter is the
// variance of that running latency, and packet loss is detected from gaps in
// the per-peer sequence number.
package stats

import (
	"math"
	"sort"

	"github.com/sdtruck/forwarder/internal/metrics"
	"github.com/sdtruck/forwarder/internal/wire"
)

// healthCore is a Welford accumulator, mirroring NetworkStats::calculate
// (count/min/max/mean/variance/sumOfSquaredDifferences) field for field.
type healthCore struct {
	count                   uint32
	min                     float32
	max                     float32
	mean                    float32
	variance                float32
	sumOfSquaredDifferences float32
}

func newHealthCore() healthCore {
	return healthCore{min: math.MaxFloat32, max: -math.MaxFloat32}
}

// update folds n into the running aggregate (Welford's online algorithm).
func (h *healthCore) update(n float32) {
	if n < h.min {
		h.min = n
	}
	if n > h.max {
		h.max = n
	}
	h.count++
	delta := n - h.mean
	h.mean += delta / float32(h.count)
	delta2 := n - h.mean
	h.sumOfSquaredDifferences += delta * delta2
	h.variance = h.sumOfSquaredDifferences / float32(h.count)
}

func (h healthCore) toWire() wire.HealthCore {
	return wire.HealthCore{
		Count:                   h.count,
		Min:                     h.min,
		Max:                     h.max,
		Mean:                    h.mean,
		Variance:                h.variance,
		SumOfSquaredDifferences: h.sumOfSquaredDifferences,
	}
}

// basics tracks the previous observation needed to detect gaps and compute
// latency for the next one. Zero values mean "no prior message yet" (the
// original's sentinel-by-zero check).
type basics struct {
	lastMessageTime    int64
	lastSequenceNumber int64
}

// peer accumulates one remote node's running health report.
type peer struct {
	basics     basics
	packetLoss uint32
	goodput    uint32
	latency    healthCore
	jitter     healthCore
}

func newPeer() *peer {
	return &peer{latency: newHealthCore(), jitter: newHealthCore()}
}

// Table is the live per-peer health table for one session. It is only ever
// touched from the single runner loop (§4.7), so it carries no locking.
type Table struct {
	peers map[uint8]*peer
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[uint8]*peer)}
}

// Update folds one observed CAN datagram into peer's running report.
// timestamp and now are both microseconds since Unix epoch (§3), and the
// latency sample is their absolute difference in microseconds; packetSize
// is the datagram's total length in bytes, used for goodput accounting.
func (t *Table) Update(peerID uint8, packetSize int, timestamp uint64, sequenceNumber uint32, now uint64) {
	p, ok := t.peers[peerID]
	if !ok {
		p = newPeer()
		t.peers[peerID] = p
	}

	delay := int64(now) - int64(timestamp)
	if p.basics.lastMessageTime != 0 && p.basics.lastSequenceNumber != 0 {
		p.latency.update(absF32(delay))
		p.jitter.update(p.latency.variance)

		packetsLost := int64(sequenceNumber) - (p.basics.lastSequenceNumber + 1)
		if packetsLost > 0 {
			p.packetLoss += uint32(packetsLost)
		}
		p.goodput += uint32(packetSize)
	}

	p.basics.lastMessageTime = int64(now)
	p.basics.lastSequenceNumber = int64(sequenceNumber)

	metrics.SetPeerHealth(int(peerID), float64(p.latency.mean), float64(p.jitter.mean), p.packetLoss, p.goodput)
}

// Reset clears peer's accumulated report (packet loss, goodput, latency,
// jitter) without forgetting its last-seen sequence number or timestamp —
// mirrors NetworkStats::reset, which replaces HealthReport but leaves Basics
// untouched so gap detection keeps working across a reporting-window roll.
func (t *Table) Reset(peerID uint8) {
	p, ok := t.peers[peerID]
	if !ok {
		return
	}
	keep := p.basics
	*p = *newPeer()
	p.basics = keep
}

// ResetAll resets every known peer's report.
func (t *Table) ResetAll() {
	for id := range t.peers {
		t.Reset(id)
	}
}

// Report returns peerID's current NodeReport and whether it has been seen.
func (t *Table) Report(peerID uint8) (wire.NodeReport, bool) {
	p, ok := t.peers[peerID]
	if !ok {
		return wire.NodeReport{}, false
	}
	return wire.NodeReport{
		PacketLoss: p.packetLoss,
		Goodput:    p.goodput,
		Latency:    p.latency.toWire(),
		Jitter:     p.jitter.toWire(),
	}, true
}

// Snapshot returns every known peer's report in ascending peer-id order,
// suitable for assembling a kind-4 health report CommBlock (§4.1, §4.6).
func (t *Table) Snapshot() (ids []uint8, reports []wire.NodeReport) {
	ids = make([]uint8, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	reports = make([]wire.NodeReport, len(ids))
	for i, id := range ids {
		reports[i], _ = t.Report(id)
	}
	return ids, reports
}

func absF32(n int64) float32 {
	if n < 0 {
		n = -n
	}
	return float32(n)
}
