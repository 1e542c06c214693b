// Package session implements the Inactive<->Active session state machine
// (§4.3) driven by parsed httpclient.Commands, owning the SessionContext
// (§3) for the duration of an Active session.
package session

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/sdtruck/forwarder/internal/httpclient"
	"github.com/sdtruck/forwarder/internal/logging"
	"github.com/sdtruck/forwarder/internal/mcast"
	"github.com/sdtruck/forwarder/internal/metrics"
	"github.com/sdtruck/forwarder/internal/stats"
	"github.com/sdtruck/forwarder/internal/timesync"
)

// GroupConn is the multicast binding a session owns for its lifetime —
// satisfied by *mcast.Conn in production. Declaring the narrow interface
// here (rather than depending on mcast.Conn directly) lets tests substitute
// a fake group socket without opening a real one.
type GroupConn interface {
	Send(buf []byte) error
	RecvOnce(buf []byte) (int, error)
	Close() error
}

// State is the session lifecycle enumeration (§3).
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Context is the per-session state created on Active entry and torn down
// on Inactive entry (§3): the multicast binding, member count, and the
// fresh statistics/time-service state scoped to this session.
type Context struct {
	ID          uint32
	Index       uint8
	GroupIP     net.IP
	Port        uint16
	N           uint8 // member count including self
	FrameNumber uint32
	Sequence    uint32 // starts at 1 (§4.3); reports never advance it

	Stats *stats.Table
	Time  *timesync.Service
	Conn  GroupConn
}

// NextSequence returns the sequence number to stamp on the next emitted
// non-report CommBlock, then advances the counter (§3 invariant: strictly
// monotonic, reports excluded).
func (c *Context) NextSequence() uint32 {
	n := c.Sequence
	c.Sequence++
	return n
}

// JoinFunc abstracts multicast group joining so tests can substitute a
// fake without opening a real socket.
type JoinFunc func(group net.IP, port int) (GroupConn, error)

// Hooks are the runner-supplied side effects the state machine triggers on
// transitions — starting CAN channels and driving the ignition output are
// explicitly out-of-scope external collaborators (§1), so Controller only
// calls through these function fields.
type Hooks struct {
	// OnActivate starts CAN channels (if not already up) and asserts
	// ignition. Returning an error aborts activation (§7: OOM/setup
	// failure at session start is fatal for that session).
	OnActivate func(ctx *Context) error
	// OnDeactivate deasserts ignition.
	OnDeactivate func()
	// NewClock returns a fresh timesync.Clock for a new session's time
	// service. Defaults to timesync.NewSystemClock if nil.
	NewClock func() timesync.Clock
}

// Controller is the session state machine (§4.3).
type Controller struct {
	state State
	ctx   *Context
	join  JoinFunc
	hooks Hooks
}

// New returns a Controller in the Inactive state.
func New(join JoinFunc, hooks Hooks) *Controller {
	return &Controller{state: Inactive, join: join, hooks: hooks}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Context returns the active SessionContext, or nil while Inactive.
func (c *Controller) Context() *Context { return c.ctx }

// Handle applies one parsed command to the state machine (§4.3's transition
// table) and returns the HTTP status/reason the caller should respond with.
func (c *Controller) Handle(cmd *httpclient.Command) (code int, reason string) {
	switch cmd.Method {
	case "POST":
		return c.handlePost(cmd)
	case "DELETE":
		return c.handleDelete(cmd)
	default:
		return 501, "NOT IMPLEMENTED"
	}
}

func (c *Controller) handlePost(cmd *httpclient.Command) (int, string) {
	if c.state == Active {
		logging.L().Warn("session_post_while_active", "correlation_id", cmd.CorrelationID)
		return 200, "OK"
	}

	var devices []json.RawMessage
	if err := json.Unmarshal(cmd.Devices, &devices); err != nil || len(devices) == 0 {
		logging.L().Error("session_post_bad_devices", "correlation_id", cmd.CorrelationID, "error", err)
		metrics.IncBadCommands()
		return 400, "BAD REQUEST"
	}
	n := uint8(len(devices))
	if n < 2 {
		logging.L().Error("session_post_n_below_minimum", "correlation_id", cmd.CorrelationID, "n", n)
		metrics.IncBadCommands()
		return 400, "BAD REQUEST"
	}
	if cmd.Index >= n {
		logging.L().Error("session_post_index_out_of_range", "index", cmd.Index, "n", n)
		metrics.IncBadCommands()
		return 400, "BAD REQUEST"
	}

	groupIP := net.ParseIP(cmd.IP)
	if groupIP == nil || !mcast.ValidGroup(groupIP) {
		metrics.IncBadCommands()
		return 400, "BAD REQUEST"
	}

	conn, err := c.join(groupIP, int(cmd.Port))
	if err != nil {
		logging.L().Error("session_mcast_join_failed", "error", err)
		metrics.IncError(metrics.ErrMcastJoin)
		return 500, "INTERNAL ERROR"
	}

	newClock := c.hooks.NewClock
	if newClock == nil {
		newClock = func() timesync.Clock { return timesync.NewSystemClock() }
	}
	timeSvc := timesync.NewService(newClock())
	timeSvc.Start(n, cmd.Index)

	ctx := &Context{
		ID:          cmd.ID,
		Index:       cmd.Index,
		GroupIP:     groupIP,
		Port:        cmd.Port,
		N:           n,
		FrameNumber: 0,
		Sequence:    1,
		Stats:       stats.NewTable(),
		Time:        timeSvc,
		Conn:        conn,
	}

	if c.hooks.OnActivate != nil {
		if err := c.hooks.OnActivate(ctx); err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			logging.L().Error("session_activate_failed", "error", err)
			return 500, "INTERNAL ERROR"
		}
	}

	c.ctx = ctx
	c.state = Active
	metrics.SetSessionActive(true)
	metrics.IncSessionStarts()
	logging.L().Info("session_active", "id", ctx.ID, "index", ctx.Index, "n", ctx.N, "group", fmt.Sprintf("%s:%d", groupIP, cmd.Port))
	return 200, "OK"
}

func (c *Controller) handleDelete(cmd *httpclient.Command) (int, string) {
	if c.state == Inactive {
		return 200, "OK"
	}

	if c.ctx != nil && c.ctx.Conn != nil {
		_ = c.ctx.Conn.Close()
	}
	if c.hooks.OnDeactivate != nil {
		c.hooks.OnDeactivate()
	}
	c.ctx = nil
	c.state = Inactive
	metrics.SetSessionActive(false)
	metrics.IncSessionStops()
	logging.L().Info("session_inactive", "correlation_id", cmd.CorrelationID)
	return 200, "OK"
}
