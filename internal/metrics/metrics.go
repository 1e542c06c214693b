// Package metrics exposes Prometheus counters/gauges for the forwarder and
// a local-counter snapshot for the periodic text-log summary.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sdtruck/forwarder/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CANRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from a local bus channel.",
	}, []string{"channel"})
	CANTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to a local bus channel.",
	}, []string{"channel"})
	McastRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcast_rx_datagrams_total",
		Help: "Total datagrams received from the multicast group.",
	})
	McastTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcast_tx_datagrams_total",
		Help: "Total datagrams emitted to the multicast group.",
	})
	MalformedDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_datagrams_total",
		Help: "Total multicast datagrams dropped by the wire codec (bad length / unknown kind).",
	})
	AutobaudResult = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autobaud_result_bps",
		Help: "Bitrate accepted by autobaud for a channel (0 until resolved).",
	}, []string{"channel"})
	AutobaudExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autobaud_exhausted_total",
		Help: "Total autobaud probes that exhausted every candidate bitrate.",
	}, []string{"channel"})
	ConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_connection_status",
		Help: "Controller control-channel status: 0=Disconnected 1=Connected 2=Unreachable.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_reconnect_attempts_total",
		Help: "Total reconnect attempts to the Controller.",
	})
	BadCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_bad_commands_total",
		Help: "Total inbound Controller commands rejected as malformed (400 responses).",
	})
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_active",
		Help: "1 while a session is Active, 0 while Inactive.",
	})
	SessionStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_starts_total",
		Help: "Total Inactive-to-Active transitions.",
	})
	SessionStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_stops_total",
		Help: "Total Active-to-Inactive transitions.",
	})
	PeerLatencyMean = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peer_latency_mean_us",
		Help: "Mean one-way delay estimate to a peer, microseconds.",
	}, []string{"peer"})
	PeerJitterMean = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peer_jitter_mean_us",
		Help: "Mean jitter (variance-of-latency) estimate to a peer.",
	}, []string{"peer"})
	PeerPacketLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peer_packet_loss_total",
		Help: "Cumulative detected lost frames from a peer in the current reporting window.",
	}, []string{"peer"})
	PeerGoodput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peer_goodput_bytes",
		Help: "Cumulative bytes received from a peer in the current reporting window.",
	}, []string{"peer"})
	PTPOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptp_offset_us",
		Help: "Most recent applied clock offset adjustment, microseconds.",
	})
	PTPDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptp_delay_us",
		Help: "Most recent estimated path delay, microseconds.",
	})
	SyncRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptp_sync_rounds_total",
		Help: "Total sync/follow-up rounds observed.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrHTTPConnect   = "http_connect"
	ErrHTTPRead      = "http_read"
	ErrHTTPWrite     = "http_write"
	ErrMcastJoin     = "mcast_join"
	ErrMcastRead     = "mcast_read"
	ErrMcastWrite    = "mcast_write"
	ErrCANRead       = "can_read"
	ErrCANWrite      = "can_write"
	ErrCANTxOverflow = "can_tx_overflow"
)

// Local mirrored counters for the periodic text-log summary.
var (
	localCANRx        uint64
	localCANTx        uint64
	localMcastRx      uint64
	localMcastTx      uint64
	localMalformed    uint64
	localErrors       uint64
	localReconnects   uint64
	localBadCommands  uint64
	localSessionStart uint64
	localSessionStop  uint64
)

type Snapshot struct {
	CANRx        uint64
	CANTx        uint64
	McastRx      uint64
	McastTx      uint64
	Malformed    uint64
	Errors       uint64
	Reconnects   uint64
	BadCommands  uint64
	SessionStart uint64
	SessionStop  uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANTx:        atomic.LoadUint64(&localCANTx),
		McastRx:      atomic.LoadUint64(&localMcastRx),
		McastTx:      atomic.LoadUint64(&localMcastTx),
		Malformed:    atomic.LoadUint64(&localMalformed),
		Errors:       atomic.LoadUint64(&localErrors),
		Reconnects:   atomic.LoadUint64(&localReconnects),
		BadCommands:  atomic.LoadUint64(&localBadCommands),
		SessionStart: atomic.LoadUint64(&localSessionStart),
		SessionStop:  atomic.LoadUint64(&localSessionStop),
	}
}

func IncCANRx(channel int) {
	CANRxFrames.WithLabelValues(strconv.Itoa(channel)).Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx(channel int) {
	CANTxFrames.WithLabelValues(strconv.Itoa(channel)).Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncMcastRx() {
	McastRxFrames.Inc()
	atomic.AddUint64(&localMcastRx, 1)
}

func IncMcastTx() {
	McastTxFrames.Inc()
	atomic.AddUint64(&localMcastTx, 1)
}

func IncMalformed() {
	MalformedDatagrams.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetAutobaudResult(channel, bps int) {
	AutobaudResult.WithLabelValues(strconv.Itoa(channel)).Set(float64(bps))
}

func IncAutobaudExhausted(channel int) {
	AutobaudExhausted.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func SetConnectionStatus(v int) { ConnectionStatus.Set(float64(v)) }

func IncReconnectAttempts() {
	ReconnectAttempts.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func IncBadCommands() {
	BadCommands.Inc()
	atomic.AddUint64(&localBadCommands, 1)
}

func SetSessionActive(active bool) {
	if active {
		SessionActive.Set(1)
	} else {
		SessionActive.Set(0)
	}
}

func IncSessionStarts() {
	SessionStarts.Inc()
	atomic.AddUint64(&localSessionStart, 1)
}

func IncSessionStops() {
	SessionStops.Inc()
	atomic.AddUint64(&localSessionStop, 1)
}

func SetPeerHealth(peer int, latencyMean, jitterMean float64, packetLoss uint32, goodput uint32) {
	label := strconv.Itoa(peer)
	PeerLatencyMean.WithLabelValues(label).Set(latencyMean)
	PeerJitterMean.WithLabelValues(label).Set(jitterMean)
	PeerPacketLoss.WithLabelValues(label).Set(float64(packetLoss))
	PeerGoodput.WithLabelValues(label).Set(float64(goodput))
}

func SetPTPOffset(us int64) { PTPOffset.Set(float64(us)) }
func SetPTPDelay(us int64)  { PTPDelay.Set(float64(us)) }
func IncSyncRounds()        { SyncRounds.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrHTTPConnect, ErrHTTPRead, ErrHTTPWrite,
		ErrMcastJoin, ErrMcastRead, ErrMcastWrite,
		ErrCANRead, ErrCANWrite, ErrCANTxOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
