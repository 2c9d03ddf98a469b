// Package telemetry holds the Prometheus collectors of the runtime. A nil
// *Metrics is valid and records nothing.
package telemetry

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "httpl"

type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	workersActive  prometheus.Gauge
	workerSpawns   *prometheus.CounterVec
	workerEvicted  prometheus.Counter
	workerTerms    *prometheus.CounterVec
	hostStreams    prometheus.Gauge
	eventsEmitted  *prometheus.CounterVec
	streamReconns  *prometheus.CounterVec
	dispatchStatus *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New builds the collectors. They are not registered until Register.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		workersActive: newGauge("workers", "active", "Worker bridges currently registered"),
		workerSpawns:  newCounterVec("workers", "spawns_total", "Worker bridges spawned", []string{"temp"}),
		workerEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "evictions_total",
			Help:      "Temporary worker bridges evicted to make room",
		}),
		workerTerms:    newCounterVec("workers", "terminations_total", "Worker bridges terminated, by status", []string{"status"}),
		hostStreams:    newGauge("events", "host_streams", "Streams attached to event hosts"),
		eventsEmitted:  newCounterVec("events", "emitted_total", "Events written by event hosts", []string{"event"}),
		streamReconns:  newCounterVec("events", "reconnects_total", "Event stream reconnection attempts", []string{"outcome"}),
		dispatchStatus: newCounterVec("dispatch", "responses_total", "Dispatched responses, by status class", []string{"class"}),
	}
}

// Register registers the collectors. Calling it again is harmless.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.workersActive, m.workerSpawns, m.workerEvicted, m.workerTerms,
		m.hostStreams, m.eventsEmitted, m.streamReconns, m.dispatchStatus,
	} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) WorkerSpawned(temp bool) {
	if m == nil {
		return
	}
	m.workersActive.Inc()
	m.workerSpawns.WithLabelValues(strconv.FormatBool(temp)).Inc()
}

func (m *Metrics) WorkerTerminated(status int) {
	if m == nil {
		return
	}
	m.workersActive.Dec()
	m.workerTerms.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) WorkerEvicted() {
	if m == nil {
		return
	}
	m.workerEvicted.Inc()
}

func (m *Metrics) StreamAdded() {
	if m == nil {
		return
	}
	m.hostStreams.Inc()
}

func (m *Metrics) StreamRemoved() {
	if m == nil {
		return
	}
	m.hostStreams.Dec()
}

func (m *Metrics) EventEmitted(name string, streams int) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(name).Add(float64(streams))
}

// Reconnect records a reconnection attempt; outcome is "ok" or "failed".
func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.streamReconns.WithLabelValues(outcome).Inc()
}

// Response records a dispatched response by status class (0xx for status 0).
func (m *Metrics) Response(status int) {
	if m == nil {
		return
	}
	m.dispatchStatus.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}
