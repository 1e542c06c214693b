// Package runner implements the single-threaded cooperative event loop
// (§4.7) that ties the HTTP control channel, the session state machine, the
// CAN bridge, the multicast transport, the wire codec, the statistics table
// and the time service together. There is exactly one logical task: every
// call below runs from Tick, never from a background goroutine (§5).
package runner

import (
	"errors"
	"net"
	"time"

	"github.com/sdtruck/forwarder/internal/canbus"
	"github.com/sdtruck/forwarder/internal/httpclient"
	"github.com/sdtruck/forwarder/internal/ignition"
	"github.com/sdtruck/forwarder/internal/logging"
	"github.com/sdtruck/forwarder/internal/mcast"
	"github.com/sdtruck/forwarder/internal/metrics"
	"github.com/sdtruck/forwarder/internal/session"
	"github.com/sdtruck/forwarder/internal/timesync"
	"github.com/sdtruck/forwarder/internal/wire"
)

// canSendDelay and delayReqDelay are the pipeline-latency compensations
// from §4.5: an egress CAN CommBlock's timestamp and an outgoing
// delay-request's transmit time are both stamped slightly ahead of the
// instant they're actually assembled, to account for the time between
// timestamping and the frame leaving the wire.
const (
	canSendDelay  = 85 * time.Microsecond
	delayReqDelay = 65 * time.Microsecond
)

// nodeReportWireSize mirrors wire's unexported per-peer report size
// (PacketLoss:4 + Goodput:4 + 2×HealthCore:24) so the per-session datagram
// buffer can be sized without exporting wire's internal layout constants.
const nodeReportWireSize = 4 + 4 + 2*24

const minDatagramBuf = 256

// controlPlane is the subset of *httpclient.Client the runner depends on.
// Declaring it lets tests exercise Tick's control-plane handling against a
// fake without opening a real TCP connection to a Controller.
type controlPlane interface {
	Poll(now time.Time) (*httpclient.Command, error)
	Respond(code int, reason string) error
}

var _ controlPlane = (*httpclient.Client)(nil)

// Runner owns the CAN channels, the HTTP client and the session controller
// for the process lifetime; it allocates the per-session scratch buffer on
// Active entry and drops it on Inactive entry (§5: "heap allocation occurs
// only at session start... freed at session stop").
type Runner struct {
	iface string // multicast-capable interface name, or "" to auto-select

	http     controlPlane
	can0     canbus.Driver
	can1     canbus.Driver // nil if CAN1 is absent (§3 config: "<0 means channel absent")
	ignition ignition.Controller
	session  *session.Controller
	buf      []byte
}

// New wires a Runner around an already-registered HTTP client and already
// brought-up CAN driver(s) (autobaud, if any, runs before the runner is
// constructed, per internal/canbus's Autobaud doc comment). can1 may be nil.
func New(iface string, http *httpclient.Client, can0, can1 canbus.Driver, ign ignition.Controller) *Runner {
	r := &Runner{iface: iface, http: http, can0: can0, can1: can1, ignition: ign, buf: make([]byte, minDatagramBuf)}
	r.session = session.New(r.joinGroup, session.Hooks{
		OnActivate:   r.onActivate,
		OnDeactivate: r.onDeactivate,
		NewClock:     func() timesync.Clock { return timesync.NewSystemClock() },
	})
	return r
}

func (r *Runner) joinGroup(group net.IP, port int) (session.GroupConn, error) {
	return mcast.Join(r.iface, group, port)
}

// onActivate sizes the per-session datagram buffer from N (§6: "Maximum
// datagram size... sized from N at session start") and asserts ignition
// (§4.3). CAN channels are already up by construction, satisfying "start
// CAN channels if not yet up" trivially for this deployment shape.
func (r *Runner) onActivate(ctx *session.Context) error {
	size := wire.HeaderSize + int(ctx.N)*nodeReportWireSize + 32
	if size < minDatagramBuf {
		size = minDatagramBuf
	}
	r.buf = make([]byte, size)
	if r.ignition != nil {
		r.ignition.SetIgnition(true)
		r.ignition.SetIndicator(ignition.StatusSession, true)
	}
	return nil
}

func (r *Runner) onDeactivate() {
	r.buf = make([]byte, minDatagramBuf)
	if r.ignition != nil {
		r.ignition.SetIgnition(false)
		r.ignition.SetIndicator(ignition.StatusSession, false)
	}
}

// Session exposes the state machine for callers that need to observe
// Active/Inactive (e.g. a readiness probe).
func (r *Runner) Session() *session.Controller { return r.session }

// Tick runs one iteration of the event loop (§4.7): poll HTTP, then (if
// Active) bridge one CAN frame per channel and drain one pending multicast
// datagram. now is the wall-clock instant this tick began; it paces the
// HTTP reconnect backoff only, never the RTC (the time service's Clock is
// authoritative for wire timestamps).
func (r *Runner) Tick(now time.Time) {
	r.pollControlPlane(now)

	if r.session.State() != session.Active {
		return
	}
	ctx := r.session.Context()

	r.bridgeEgress(ctx, canbus.CAN0, r.can0)
	if r.can1 != nil {
		r.bridgeEgress(ctx, canbus.CAN1, r.can1)
	}

	r.recvMulticast(ctx)
}

func (r *Runner) pollControlPlane(now time.Time) {
	cmd, err := r.http.Poll(now)
	if err != nil {
		logging.L().Error("http_poll_failed", "error", err)
		return
	}
	if cmd == nil {
		return
	}
	code, reason := r.session.Handle(cmd)
	if err := r.http.Respond(code, reason); err != nil {
		logging.L().Error("http_respond_failed", "error", err, "correlation_id", cmd.CorrelationID)
	}
}

// bridgeEgress reads at most one frame from drv (§4.4: "one read per loop
// iteration is sufficient") and, if present, packs and emits it as a kind-1
// CommBlock carrying the current sequence number and frame number.
func (r *Runner) bridgeEgress(ctx *session.Context, ch canbus.Channel, drv canbus.Driver) {
	var fr canbus.Frame
	if err := drv.ReadFrame(&fr); err != nil {
		if !errors.Is(err, canbus.ErrWouldBlock) {
			logging.L().Warn("can_read_failed", "channel", ch, "error", err)
			metrics.IncError(metrics.ErrCANRead)
		}
		return
	}
	metrics.IncCANRx(int(ch))

	ts := uint64(ctx.Time.Now().UnixMicro()) + uint64(canSendDelay.Microseconds())
	msg := &wire.Message{
		Header: wire.Header{Index: ctx.Index, Kind: wire.KindCAN, FrameNumber: ctx.FrameNumber, Timestamp: ts},
		Can:    &wire.CanPayload{SequenceNumber: ctx.NextSequence(), Frame: fr},
	}
	r.emit(ctx, msg, "can_egress_pack_failed")
}

// recvMulticast calls RecvOnce (§4.7 step 3); if a datagram is pending it
// unpacks and dispatches it by kind. A malformed or would-block result is
// not an error for the loop: the tick simply has nothing more to do.
func (r *Runner) recvMulticast(ctx *session.Context) {
	n, err := ctx.Conn.RecvOnce(r.buf)
	if err != nil {
		if !errors.Is(err, mcast.ErrWouldBlock) {
			logging.L().Warn("mcast_recv_failed", "error", err)
		}
		return
	}
	now := uint64(ctx.Time.Now().UnixMicro())

	raw := make([]byte, n)
	copy(raw, r.buf[:n])
	msg, err := wire.Unpack(raw)
	if err != nil || msg == nil {
		logging.L().Warn("wire_unpack_dropped", "error", err)
		return
	}

	switch msg.Header.Kind {
	case wire.KindCAN:
		r.dispatchCAN(ctx, msg, len(raw), now)
	case wire.KindSensor:
		r.dispatchSensor(ctx, msg, len(raw), now)
	case wire.KindReportRequest:
		r.emitHealthReport(ctx)
	case wire.KindSync:
		ctx.Time.SyncUpdate(msg.Header.Timestamp, now)
	case wire.KindFollowUp:
		r.dispatchFollowUp(ctx, msg)
	case wire.KindDelayResponse:
		r.dispatchDelayResponse(ctx, msg)
	default:
		logging.L().Debug("mcast_kind_ignored", "kind", msg.Header.Kind)
	}
}

func (r *Runner) dispatchCAN(ctx *session.Context, msg *wire.Message, size int, now uint64) {
	if msg.Can == nil {
		return
	}
	ctx.Stats.Update(msg.Header.Index, size, msg.Header.Timestamp, msg.Can.SequenceNumber, now)

	if r.can0 != nil {
		if err := r.can0.WriteFrame(msg.Can.Frame); err != nil {
			logging.L().Warn("can0_write_failed", "error", err)
			metrics.IncError(metrics.ErrCANWrite)
		} else {
			metrics.IncCANTx(int(canbus.CAN0))
		}
	}
	if r.can1 != nil {
		if err := r.can1.WriteFrame(msg.Can.Frame); err != nil {
			logging.L().Warn("can1_write_failed", "error", err)
			metrics.IncError(metrics.ErrCANWrite)
		} else {
			metrics.IncCANTx(int(canbus.CAN1))
		}
	}
}

// dispatchSensor advances the session's group-wide frame counter and folds
// the datagram into statistics. SensorPayload carries no sequence number of
// its own, so header.FrameNumber doubles as the gap-detection value for
// sensor datagrams, mirroring the single counter the original forwarding
// loop reused across both frame kinds.
func (r *Runner) dispatchSensor(ctx *session.Context, msg *wire.Message, size int, now uint64) {
	ctx.FrameNumber = msg.Header.FrameNumber
	ctx.Stats.Update(msg.Header.Index, size, msg.Header.Timestamp, msg.Header.FrameNumber, now)
}

func (r *Runner) dispatchFollowUp(ctx *session.Context, msg *wire.Message) {
	if msg.Time == nil {
		return
	}
	needDelayRequest := ctx.Time.FollowUpUpdate(msg.Header.Timestamp, msg.Time.OriginalSendTimestamp)
	if !needDelayRequest {
		return
	}
	transmit := uint64(ctx.Time.Now().UnixMicro()) + uint64(delayReqDelay.Microseconds())
	ctx.Time.Transmit = transmit
	out := &wire.Message{
		Header: wire.Header{Index: ctx.Index, Kind: wire.KindDelayRequest, FrameNumber: ctx.FrameNumber, Timestamp: transmit},
	}
	r.emit(ctx, out, "delay_request_pack_failed")
}

func (r *Runner) dispatchDelayResponse(ctx *session.Context, msg *wire.Message) {
	if msg.Time == nil || msg.Time.OriginalSendTimestamp != ctx.Time.Transmit {
		return // not a response to our outstanding delay-request
	}
	ctx.Time.DelayUpdate(msg.Header.Timestamp)
}

// emitHealthReport builds a kind-4 CommBlock covering every peer slot
// 0..N-1 in index order (§4.6: "dump the entire NodeReport array... a plain
// array copy") and emits it without advancing the sequence counter (§3:
// "reports do NOT advance the counter").
func (r *Runner) emitHealthReport(ctx *session.Context) {
	reports := make([]wire.NodeReport, ctx.N)
	for i := uint8(0); i < ctx.N; i++ {
		reports[i], _ = ctx.Stats.Report(i)
	}
	ts := uint64(ctx.Time.Now().UnixMicro())
	msg := &wire.Message{
		Header:  wire.Header{Index: ctx.Index, Kind: wire.KindHealthReport, FrameNumber: ctx.FrameNumber, Timestamp: ts},
		Reports: reports,
	}
	r.emit(ctx, msg, "health_report_pack_failed")
}

func (r *Runner) emit(ctx *session.Context, msg *wire.Message, failLog string) {
	n, err := wire.Pack(msg, r.buf)
	if err != nil {
		logging.L().Error(failLog, "error", err)
		return
	}
	if err := ctx.Conn.Send(r.buf[:n]); err != nil {
		logging.L().Warn("mcast_send_failed", "error", err)
	}
}
