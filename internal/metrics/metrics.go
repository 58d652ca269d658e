// Registers:
//
//	#bookflow_orders_submitted_total
//	#bookflow_orders_cancelled_total
//	#bookflow_recomputes_total{instrument}
//	#bookflow_publishes_total
//	#bookflow_delivery_faults_total
//	#bookflow_serialization_faults_total
//	#bookflow_feed_messages_total{status}
//	#bookflow_subscribers
//	#go_* and process_* system metrics
//
// Exposed by the API router through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	FeedStatusOK        = "ok"
	FeedStatusMalformed = "malformed"
	FeedStatusDropped   = "dropped"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	ordersSubmitted     prometheus.Counter
	ordersCancelled     prometheus.Counter
	recomputes          *prometheus.CounterVec
	publishes           prometheus.Counter
	deliveryFaults      prometheus.Counter
	serializationFaults prometheus.Counter
	feedMessages        *prometheus.CounterVec
	subscribers         prometheus.Gauge
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		ordersSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookflow_orders_submitted_total",
			Help: "Number of orders accepted into the local book",
		})
		ordersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookflow_orders_cancelled_total",
			Help: "Number of orders removed from the local book",
		})
		recomputes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_recomputes_total",
				Help: "Number of combined book recomputations",
			},
			[]string{"instrument"},
		)
		publishes = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookflow_publishes_total",
			Help: "Number of snapshots handed to the broadcast hub",
		})
		deliveryFaults = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookflow_delivery_faults_total",
			Help: "Number of subscribers dropped after a failed or slow delivery",
		})
		serializationFaults = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookflow_serialization_faults_total",
			Help: "Number of snapshots that could not be encoded",
		})
		feedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_feed_messages_total",
				Help: "External depth messages by outcome",
			},
			[]string{"status"},
		)
		subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookflow_subscribers",
			Help: "Currently registered subscribers",
		})

		registry.MustRegister(
			ordersSubmitted,
			ordersCancelled,
			recomputes,
			publishes,
			deliveryFaults,
			serializationFaults,
			feedMessages,
			subscribers,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncOrdersSubmitted() {
	if ordersSubmitted != nil {
		ordersSubmitted.Inc()
	}
}

func IncOrdersCancelled() {
	if ordersCancelled != nil {
		ordersCancelled.Inc()
	}
}

func IncRecompute(instrument string) {
	if recomputes != nil {
		recomputes.WithLabelValues(instrument).Inc()
	}
}

func IncPublish() {
	if publishes != nil {
		publishes.Inc()
	}
}

func IncDeliveryFault() {
	if deliveryFaults != nil {
		deliveryFaults.Inc()
	}
}

func IncSerializationFault() {
	if serializationFaults != nil {
		serializationFaults.Inc()
	}
}

// IncFeedMessage counts one external depth message with the given status.
func IncFeedMessage(status string) {
	if feedMessages != nil {
		feedMessages.WithLabelValues(status).Inc()
	}
}

func SetSubscribers(n int) {
	if subscribers != nil {
		subscribers.Set(float64(n))
	}
}
