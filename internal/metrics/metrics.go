package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_rx_frames_total",
		Help: "Total CAN frames read from the receive FIFO.",
	})
	RxUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_rx_unmatched_total",
		Help: "Total received CAN frames without a matching receive filter.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_tx_frames_total",
		Help: "Total CAN frames handed to a transmit mailbox.",
	})
	TxQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_tx_queued_total",
		Help: "Total CAN frames queued in a transmit slot waiting for a mailbox.",
	})
	TxOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_tx_overflow_total",
		Help: "Total submissions on a transmit slot that was still pending.",
	})
	PdoLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_can_pdo_late_total",
		Help: "Total cancellations of synchronous PDOs superseded by a new SYNC.",
	})
	ErrorStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ionode_can_error_status",
		Help: "Current CAN error status bit mask.",
	})
	LifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ionode_lifecycle_state",
		Help: "Current node lifecycle state.",
	})
	CommResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_comm_resets_total",
		Help: "Total communication reset passes.",
	})
	TimerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ionode_network_timer_ticks_total",
		Help: "Total periodic network timer ticks.",
	})
	Leds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ionode_led",
		Help: "CANopen indicator state (1 on, 0 off).",
	}, []string{"color"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local mirrored counters for logging without scraping
var (
	localRx       uint64
	localTx       uint64
	localOverflow uint64
	localPdoLate  uint64
)

type Snapshot struct {
	RxFrames    uint64
	TxFrames    uint64
	TxOverflows uint64
	PdoLate     uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:    atomic.LoadUint64(&localRx),
		TxFrames:    atomic.LoadUint64(&localTx),
		TxOverflows: atomic.LoadUint64(&localOverflow),
		PdoLate:     atomic.LoadUint64(&localPdoLate),
	}
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncRxUnmatched() { RxUnmatched.Inc() }

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncTxQueued() { TxQueued.Inc() }

func IncTxOverflow() {
	TxOverflows.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

func IncPdoLate() {
	PdoLate.Inc()
	atomic.AddUint64(&localPdoLate, 1)
}

func SetErrorStatus(status uint16) { ErrorStatus.Set(float64(status)) }

func SetLifecycleState(state uint8) { LifecycleState.Set(float64(state)) }

func IncCommReset() { CommResets.Inc() }

func IncTimerTick() { TimerTicks.Inc() }

func SetLeds(red bool, green bool) {
	Leds.WithLabelValues("red").Set(b2f(red))
	Leds.WithLabelValues("green").Set(b2f(green))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetReadinessFunc registers a function used by /ready
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

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

// Handler serves /metrics and /ready
func Handler() http.Handler {
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
	return mux
}

// StartHTTP serves [Handler] on addr in the background
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		log.WithField("addr", addr).Info("[METRICS] listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("[METRICS] http server failed")
		}
	}()
	return srv
}
