package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MessagesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "consumer_messages_total",
	Help:      "Count of consumed subscription events by outcome",
}, []string{"event_type", "status"})

var DecodeFailuresCount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "consumer_decode_failures_total",
	Help:      "Count of deliveries that could not be decoded into an event",
})

var HandlerFailuresCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "consumer_handler_failures_total",
	Help:      "Count of event handler failures",
}, []string{"event_type"})
