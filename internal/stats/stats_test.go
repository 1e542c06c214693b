package stats

import "testing"

func TestUpdateIgnoresFirstObservation(t *testing.T) {
	tbl := NewTable()
	tbl.Update(1, 100, 1000, 1, 1500)

	report, ok := tbl.Report(1)
	if !ok {
		t.Fatal("expected peer 1 to be known after first Update")
	}
	if report.Latency.Count != 0 {
		t.Fatalf("first observation must not contribute to latency stats, got count %d", report.Latency.Count)
	}
	if report.Goodput != 0 || report.PacketLoss != 0 {
		t.Fatalf("first observation must not contribute to goodput/loss, got %+v", report)
	}
}

func TestUpdateAccumulatesLatencyAndGoodput(t *testing.T) {
	tbl := NewTable()
	// first observation seeds lastMessageTime/lastSequenceNumber.
	tbl.Update(1, 100, 1_000_000, 1, 1_001_000)
	// second observation: timestamp->now delay of 2000us, sequential sequence number.
	tbl.Update(1, 200, 2_000_000, 2, 2_002_000)

	report, _ := tbl.Report(1)
	if report.Latency.Count != 1 {
		t.Fatalf("expected one latency sample, got %d", report.Latency.Count)
	}
	if report.Latency.Mean != 2000 {
		t.Fatalf("expected latency mean 2000us, got %v", report.Latency.Mean)
	}
	if report.Goodput != 200 {
		t.Fatalf("expected goodput 200, got %d", report.Goodput)
	}
	if report.PacketLoss != 0 {
		t.Fatalf("expected no packet loss for sequential sequence numbers, got %d", report.PacketLoss)
	}
}

func TestUpdateDetectsPacketLoss(t *testing.T) {
	tbl := NewTable()
	tbl.Update(1, 10, 1_000_000, 1, 1_001_000)
	// jump from sequence 1 to sequence 5: three packets missing between
	// (expected next = 2, actual = 5 => 3 lost).
	tbl.Update(1, 10, 2_000_000, 5, 2_001_000)

	report, _ := tbl.Report(1)
	if report.PacketLoss != 3 {
		t.Fatalf("expected packet loss of 3, got %d", report.PacketLoss)
	}
}

func TestUpdateTreatsOutOfOrderAsNoLoss(t *testing.T) {
	tbl := NewTable()
	tbl.Update(1, 10, 1_000_000, 10, 1_001_000)
	// sequence goes backwards: duplicate/out-of-order, not a loss.
	tbl.Update(1, 10, 2_000_000, 8, 2_001_000)

	report, _ := tbl.Report(1)
	if report.PacketLoss != 0 {
		t.Fatalf("expected no packet loss recorded for a backwards sequence number, got %d", report.PacketLoss)
	}
}

func TestResetClearsReportButKeepsBasics(t *testing.T) {
	tbl := NewTable()
	tbl.Update(1, 10, 1_000_000, 1, 1_001_000)
	tbl.Update(1, 10, 2_000_000, 2, 2_001_000)

	tbl.Reset(1)
	report, ok := tbl.Report(1)
	if !ok {
		t.Fatal("peer should still be known after Reset")
	}
	if report.Latency.Count != 0 || report.Goodput != 0 {
		t.Fatalf("expected cleared report after Reset, got %+v", report)
	}

	// basics survive: next Update should immediately detect loss/latency
	// relative to the pre-reset last-seen state, not treat this as a first
	// observation.
	tbl.Update(1, 10, 3_000_000, 3, 3_001_000)
	report, _ = tbl.Report(1)
	if report.Latency.Count != 1 {
		t.Fatalf("expected basics to survive Reset so the next Update contributes a sample, got count %d", report.Latency.Count)
	}
}

func TestSnapshotOrdersByPeerID(t *testing.T) {
	tbl := NewTable()
	tbl.Update(5, 1, 0, 1, 0)
	tbl.Update(2, 1, 0, 1, 0)
	tbl.Update(9, 1, 0, 1, 0)

	ids, reports := tbl.Snapshot()
	if len(ids) != 3 || len(reports) != 3 {
		t.Fatalf("expected 3 peers, got ids=%v reports=%v", ids, reports)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ascending peer ids, got %v", ids)
		}
	}
}

func TestReportUnknownPeer(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.Report(99); ok {
		t.Fatal("expected unknown peer to report ok=false")
	}
}
