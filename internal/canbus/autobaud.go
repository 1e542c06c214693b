package canbus

import (
	"errors"
	"time"

	"github.com/sdtruck/forwarder/internal/logging"
	"github.com/sdtruck/forwarder/internal/metrics"
)

// probeWindow is how long each candidate bitrate is given to prove itself
// (§4.4: "listen for up to 300 ms").
const probeWindow = 300 * time.Millisecond

// pollInterval paces the non-blocking ReadFrame polls during a probe window.
// Kept short so a frame arriving early is noticed promptly, but coarse
// enough not to spin the CPU during bring-up.
const pollInterval = 2 * time.Millisecond

// sleepFn is overridden in tests so autobaud tests don't take 300ms*5.
var sleepFn = time.Sleep

// nowFn is overridden in tests to drive deterministic probe timing.
var nowFn = time.Now

// Autobaud cycles Driver through AutobaudCandidates (§4.4), accepting the
// first candidate that yields a received frame before its receive-error
// counter rises, and returns the accepted bitrate. This only runs during
// channel bring-up, before the session's main loop starts, so it is allowed
// to block the caller for the probe duration.
func Autobaud(d Driver, ch Channel) (int, error) {
	for _, candidate := range AutobaudCandidates {
		if err := d.SetBitrate(candidate); err != nil {
			logging.L().Warn("autobaud_set_bitrate_failed", "channel", ch, "candidate", candidate, "error", err)
			continue
		}
		baseErrs, err := d.ErrorCounter()
		if err != nil {
			baseErrs = 0
		}
		accepted, err := probeOnce(d, baseErrs)
		if err != nil {
			return 0, err
		}
		if accepted {
			logging.L().Info("autobaud_accepted", "channel", ch, "bitrate", candidate)
			metrics.SetAutobaudResult(int(ch), candidate)
			return candidate, nil
		}
		logging.L().Info("autobaud_rejected", "channel", ch, "candidate", candidate)
	}
	metrics.IncAutobaudExhausted(int(ch))
	return 0, ErrAutobaudExhausted
}

// probeOnce listens for probeWindow, returning true the moment a frame is
// read, and false either when the receive-error counter rises above baseErrs
// (an explicit rejection) or when the window elapses with no frame. An error
// is returned only when ReadFrame fails with something other than
// ErrWouldBlock.
func probeOnce(d Driver, baseErrs uint32) (bool, error) {
	deadline := nowFn().Add(probeWindow)
	var fr Frame
	for nowFn().Before(deadline) {
		err := d.ReadFrame(&fr)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return false, err
		}
		if n, cerr := d.ErrorCounter(); cerr == nil && n > baseErrs {
			return false, nil // rejected: error counter rose, advance to next candidate
		}
		sleepFn(pollInterval)
	}
	return false, nil
}
