// Package ignition defines the boundary to the boolean ignition relay and
// the two status indicators (§1: explicitly out of scope, "defined
// interfaces only"). The session controller drives Controller through this
// interface; the actual GPIO wiring lives outside this module.
package ignition

import "github.com/sdtruck/forwarder/internal/logging"

// Status is one of the two indicator lamps the session controller drives.
type Status int

const (
	// StatusLink reflects Controller reachability (§4.2).
	StatusLink Status = iota
	// StatusSession reflects Active/Inactive session state (§4.3).
	StatusSession
)

func (s Status) String() string {
	switch s {
	case StatusLink:
		return "link"
	case StatusSession:
		return "session"
	default:
		return "unknown"
	}
}

// Controller drives the ignition relay and the status indicators. A real
// implementation backs this with GPIO; this module ships only the
// interface plus a logging no-op, matching spec's "external collaborator"
// boundary.
type Controller interface {
	// SetIgnition asserts or deasserts the ignition relay (§4.3: asserted
	// on Active entry, deasserted on Active exit).
	SetIgnition(on bool)
	// SetIndicator drives one of the two status lamps.
	SetIndicator(s Status, on bool)
}

// NoopController logs every call and performs no hardware access. It is
// the default Controller until a GPIO backend is wired in by the binary
// that embeds this module on the target board.
type NoopController struct{}

var _ Controller = NoopController{}

func (NoopController) SetIgnition(on bool) {
	logging.L().Info("ignition_set", "on", on)
}

func (NoopController) SetIndicator(s Status, on bool) {
	logging.L().Info("indicator_set", "indicator", s.String(), "on", on)
}
