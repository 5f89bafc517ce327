// Package metrics declares the Prometheus collectors exported by the chat
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	chatNamespace = "chat"

	brokerSubsystem  = "broker"
	sessionSubsystem = "session"
	storeSubsystem   = "store"

	commandLabelName = "command"
	reasonLabelName  = "reason"
	statusLabelName  = "status"

	SuccessLabel = "ok"
	FailLabel    = "fail"
)

// Eviction and drop reasons.
const (
	ReasonHeartbeat = "heartbeat"
	ReasonShutdown  = "shutdown"
	ReasonQueueFull = "queue_full"
	ReasonClosed    = "closed"
)

var (
	// buckets for command latency in milliseconds.
	buckets = prometheus.ExponentialBuckets(0.01, 4, 10)

	BrokerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Subsystem: brokerSubsystem,
			Name:      "sessions",
			Help:      "number of registered sessions",
		})

	BrokerRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Subsystem: brokerSubsystem,
			Name:      "rooms",
			Help:      "number of non-empty rooms",
		})

	BrokerCommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: chatNamespace,
			Subsystem: brokerSubsystem,
			Name:      "command_latency",
			Help:      "time spent applying a broker command in milliseconds",
			Buckets:   buckets,
		}, []string{commandLabelName})

	BrokerMessagesRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: brokerSubsystem,
			Name:      "messages_routed_total",
			Help:      "number of message events handed to recipients",
		})

	BrokerEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: brokerSubsystem,
			Name:      "evictions_total",
			Help:      "sessions removed by the broker rather than by their transport",
		}, []string{reasonLabelName})

	SessionEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: sessionSubsystem,
			Name:      "events_dropped_total",
			Help:      "outbound events dropped before reaching the transport",
		}, []string{reasonLabelName})

	SessionFramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: sessionSubsystem,
			Name:      "frames_received_total",
			Help:      "inbound text frames accepted from clients",
		})

	StoreWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: storeSubsystem,
			Name:      "writes_total",
			Help:      "conversation history writes by outcome",
		}, []string{statusLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer returns the registerer passed to Register, or the default
// Prometheus registerer.
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register registers every chat collector with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(BrokerSessions)
	r.MustRegister(BrokerRooms)
	r.MustRegister(BrokerCommandLatency)
	r.MustRegister(BrokerMessagesRouted)
	r.MustRegister(BrokerEvictions)
	r.MustRegister(SessionEventsDropped)
	r.MustRegister(SessionFramesReceived)
	r.MustRegister(StoreWrites)
	metricRegisterer = r
}
