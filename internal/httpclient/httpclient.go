// Package httpclient maintains the forwarder's control-plane connection to
// the Controller (§4.2, §6): a single long-lived TCP socket carrying a
// one-shot HTTP/1.1 registration POST outbound, then bidirectional
// HTTP/1.1 traffic where the Controller sends POST/DELETE requests back on
// that same socket. Grounded on the original HTTPClient's
// connect/attemptConnection/read/write state machine, replacing its blocking
// 60-second retry loop with the deadline-based non-blocking check the
// DESIGN NOTES call for, and its sentinel-error/metric-mapping style on the
// gateway's internal/server/errors.go.
package httpclient

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sdtruck/forwarder/internal/logging"
	"github.com/sdtruck/forwarder/internal/metrics"
)

// Sentinel errors, classified via errors.Is for metrics and logging.
var (
	ErrDial       = errors.New("httpclient: dial failed")
	ErrWrite      = errors.New("httpclient: write failed")
	ErrRead       = errors.New("httpclient: read failed")
	ErrBadRequest = errors.New("httpclient: malformed inbound request")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrDial):
		return metrics.ErrHTTPConnect
	case errors.Is(err, ErrRead):
		return metrics.ErrHTTPRead
	case errors.Is(err, ErrWrite):
		return metrics.ErrHTTPWrite
	default:
		return "other"
	}
}

// Status mirrors the original's ConnectionStatus enum (§4.2). Only the
// Connected->Unreachable transition is terminal for the process lifetime.
type Status int

const (
	Disconnected Status = iota
	Connected
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// reconnectBackoff is the 60-second interval from §4.2; DialTimeout below
// bounds how long any single attempt may block, so the runner's tick stays
// responsive even while an attempt is outstanding.
const (
	reconnectBackoff = 60 * time.Second
	dialTimeout      = 2 * time.Second
)

// Command is a parsed, validated inbound request (§6): a session start
// (Method "POST") or stop (Method "DELETE"). CorrelationID tags the command
// for log/metric correlation across the handling pipeline.
type Command struct {
	CorrelationID string
	Method        string
	ID            uint32
	Index         uint8
	IP            string
	Port          uint16
	Devices       json.RawMessage
}

// RegistrationBody is the outbound POST /sssf/register payload (§6).
type RegistrationBody struct {
	MAC             string          `json:"MAC"`
	AttachedDevices json.RawMessage `json:"AttachedDevices"`
}

// Client owns the single keep-alive socket to the Controller.
type Client struct {
	addr            string
	mac             string
	attachedDevices json.RawMessage

	conn   net.Conn
	reader *bufio.Reader

	status      Status
	nextAttempt time.Time
}

// New returns a Client targeting addr ("host:port"; an IPv4 literal host
// bypasses DNS per §4.2, which net.Dial already does transparently).
func New(addr, mac string, attachedDevices json.RawMessage) *Client {
	return &Client{addr: addr, mac: mac, attachedDevices: attachedDevices, status: Disconnected}
}

// Status returns the current connection status.
func (c *Client) Status() Status { return c.status }

// Connect performs one registration attempt: dial, POST /sssf/register, and
// classify the result. A response whose status code is outside 2xx/3xx is
// retried once, on a newly dialed connection, before the Controller is
// declared Unreachable, per §4.2's "a single corruption tolerance." A dial,
// write or unparsable-response failure leaves the client Disconnected with
// the reconnect backoff scheduled.
func (c *Client) Connect() Status {
	logging.L().Info("http_connect_attempt", "addr", c.addr)
	status := c.registerOnce()
	if status == registered {
		c.enterConnected()
		return c.status
	}
	if status == badResponse {
		status = c.registerOnce()
		if status == registered {
			c.enterConnected()
			return c.status
		}
	}
	if status == badResponse {
		c.status = Unreachable
		logging.L().Error("http_unreachable", "addr", c.addr)
		return c.status
	}
	c.status = Disconnected
	c.nextAttempt = time.Now().Add(reconnectBackoff)
	metrics.IncReconnectAttempts()
	return c.status
}

func (c *Client) enterConnected() {
	c.status = Connected
	metrics.SetConnectionStatus(int(Connected))
	logging.L().Info("http_connected", "addr", c.addr)
}

type registerResult int

const (
	registered registerResult = iota
	dialFailed
	badResponse
)

func (c *Client) registerOnce() registerResult {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		metrics.IncError(metrics.ErrHTTPConnect)
		logging.L().Warn("http_dial_failed", "addr", c.addr, "error", err)
		return dialFailed
	}

	body, err := json.Marshal(RegistrationBody{MAC: c.mac, AttachedDevices: c.attachedDevices})
	if err != nil {
		_ = conn.Close()
		return dialFailed
	}
	req := fmt.Sprintf("POST /sssf/register HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		c.addr, len(body), body)
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrHTTPWrite)
		return dialFailed
	}

	reader := bufio.NewReader(conn)
	code, _, err := readStatusLine(reader)
	if err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrHTTPRead)
		return dialFailed
	}
	if _, err := textproto.NewReader(reader).ReadMIMEHeader(); err != nil {
		_ = conn.Close()
		return dialFailed
	}

	if code < 200 || code >= 400 {
		_ = conn.Close()
		return badResponse
	}

	c.conn = conn
	c.reader = reader
	return registered
}

func readStatusLine(r *bufio.Reader) (code int, reason string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("%w: malformed status line %q", ErrRead, line)
	}
	code, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad status code %q", ErrRead, fields[1])
	}
	if len(fields) == 3 {
		reason = fields[2]
	}
	return code, reason, nil
}

// Poll is called once per runner tick (§4.7 step 1). When disconnected, it
// only dials again once the deadline-based backoff has elapsed — never
// sleeping the caller, per the DESIGN NOTES. When connected, it attempts one
// non-blocking read and returns a validated Command if a full request has
// arrived; a malformed request is answered 400 internally and Poll returns
// (nil, nil).
func (c *Client) Poll(now time.Time) (*Command, error) {
	if c.status == Unreachable {
		return nil, nil
	}
	if c.status != Connected {
		if now.Before(c.nextAttempt) {
			return nil, nil
		}
		c.Connect()
		return nil, nil
	}

	cmd, err := c.tryReadCommand()
	if err == nil {
		return cmd, nil
	}
	if errors.Is(err, errNoData) {
		return nil, nil
	}
	if errors.Is(err, ErrBadRequest) {
		_ = c.respond(400, "BAD REQUEST")
		metrics.IncBadCommands()
		return nil, nil
	}

	// connection broken: drop it and fall back to the reconnect cycle.
	logging.L().Error("http_connection_lost", "error", err)
	metrics.IncError(mapErrToMetric(err))
	c.closeConn()
	c.status = Disconnected
	c.nextAttempt = now.Add(reconnectBackoff)
	metrics.SetConnectionStatus(int(Disconnected))
	return nil, nil
}

var errNoData = errors.New("httpclient: no data pending")

func (c *Client) tryReadCommand() (*Command, error) {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	peeked, err := c.reader.Peek(1)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errNoData
		}
		if len(peeked) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrRead, err)
		}
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 || fields[2] != "HTTP/1.1" {
		return nil, ErrBadRequest
	}
	method, uri := strings.ToUpper(fields[0]), fields[1]
	_ = uri

	headers, err := textproto.NewReader(c.reader).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	var body []byte
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, ErrBadRequest
		}
		body = make([]byte, n)
		if n > 0 {
			if _, err := readFull(c.reader, body); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRead, err)
			}
		}
	}

	switch method {
	case "POST":
		return parsePostCommand(body)
	case "DELETE":
		if len(bytes.TrimSpace(body)) != 0 {
			return nil, ErrBadRequest
		}
		return &Command{CorrelationID: xid.New().String(), Method: "DELETE"}, nil
	default:
		_ = c.respond(501, "NOT IMPLEMENTED")
		return nil, errNoData
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type postBody struct {
	ID      uint32          `json:"ID"`
	Index   uint8           `json:"Index"`
	IP      string          `json:"IP"`
	Port    uint16          `json:"Port"`
	Devices json.RawMessage `json:"Devices"`
}

func parsePostCommand(body []byte) (*Command, error) {
	var pb postBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return nil, ErrBadRequest
	}
	if !strings.HasPrefix(pb.IP, "239.255.") {
		return nil, ErrBadRequest
	}
	if pb.Port < 1025 {
		return nil, ErrBadRequest
	}
	if pb.Devices == nil {
		return nil, ErrBadRequest
	}
	return &Command{
		CorrelationID: xid.New().String(),
		Method:        "POST",
		ID:            pb.ID,
		Index:         pb.Index,
		IP:            pb.IP,
		Port:          pb.Port,
		Devices:       pb.Devices,
	}, nil
}

// respond writes a synchronous status-line-only response (§4.2). On a
// broken connection it attempts one reconnect then retries once, matching
// the original write()'s single-retry contract.
func (c *Client) respond(code int, reason string) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrWrite)
	}
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: keep-alive\r\n\r\n", code, reason)
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		c.closeConn()
		c.Connect()
		if c.status != Connected {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		_, err = c.conn.Write([]byte(msg))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return nil
}

// Respond is the public counterpart to respond, used by the session
// controller to answer a parsed Command (§4.3: 200 OK / 400 / 501).
func (c *Client) Respond(code int, reason string) error { return c.respond(code, reason) }

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close releases the socket unconditionally (process shutdown).
func (c *Client) Close() {
	c.closeConn()
}
