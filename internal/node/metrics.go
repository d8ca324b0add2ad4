package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "messages_sent_total",
		Help:      "Outbound messages accepted for dispatch, by type.",
	}, []string{"type"})

	metricReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "messages_received_total",
		Help:      "Unique inbound messages delivered locally, by type.",
	}, []string{"type"})

	metricRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "messages_relayed_total",
		Help:      "Inbound messages rebroadcast to peers.",
	})

	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "messages_deduplicated_total",
		Help:      "Inbound messages dropped as already seen.",
	})

	metricDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "decode_errors_total",
		Help:      "Malformed inbound packets dropped, by transport.",
	}, []string{"transport"})

	metricDeliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "node",
		Name:      "delivery_outcomes_total",
		Help:      "Terminal retry-queue outcomes.",
	}, []string{"outcome"})
)
