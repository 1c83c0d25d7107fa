package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_bus_envelopes_dropped_total",
		Help: "Envelopes dropped before dispatch, by cause.",
	}, []string{"cause"})
	envelopesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_bus_envelopes_published_total",
		Help: "Envelopes published to the broker, by message type.",
	}, []string{"type"})
	routingLoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_routing_loops_total",
		Help: "Envelopes rejected for exhausting their hop budget.",
	})
	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_handler_panics_total",
		Help: "Panics recovered inside message handlers.",
	})
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicia_bus_handlers_inflight",
		Help: "Messages currently being handled.",
	})
	brokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_broker_reconnects_total",
		Help: "Broker reconnections since process start.",
	})
)
