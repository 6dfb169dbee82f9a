// Package metrics registers the cluster's prometheus collectors and serves
// them over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ObjectsLive tracks how many DistributedObjects a State Server or
	// Database State Server currently holds resident in memory.
	ObjectsLive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "astron_objects_live",
		Help: "Current number of distributed objects resident in this process",
	}, []string{"service"})

	// ObjectSize records the serialized size of newly generated objects.
	ObjectSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "astron_object_size_bytes",
		Help:    "Distribution of distributed object sizes at generation time",
		Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	}, []string{"service"})

	// DatagramsPublished counts datagrams a service has put on the bus.
	DatagramsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "astron_datagrams_published_total",
		Help: "Total datagrams published to the message bus",
	}, []string{"service"})

	// DatagramsConsumed counts datagrams a service has taken off the bus.
	DatagramsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "astron_datagrams_consumed_total",
		Help: "Total datagrams consumed from the message bus",
	}, []string{"service"})

	// ChannelSubscriptions tracks the number of distinct channels a process
	// currently holds a live bus subscription for.
	ChannelSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "astron_channel_subscriptions",
		Help: "Current number of distinct channels subscribed on the bus",
	}, []string{"service"})

	// InterestCompletionSeconds measures how long an interest operation
	// took from open request to all ENTER_LOCATION replies received.
	InterestCompletionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "astron_interest_completion_seconds",
		Help:    "Time from interest open to completion",
		Buckets: prometheus.DefBuckets,
	})

	// ClientConnections tracks currently connected client sockets on a CA.
	ClientConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "astron_ca_client_connections",
		Help: "Current number of connected client sockets",
	})

	// ClientDisconnects counts client disconnects by reason.
	ClientDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "astron_ca_client_disconnects_total",
		Help: "Total client disconnects by reason",
	}, []string{"reason"})

	// WorkerQueueDropped counts dispatch tasks dropped because a worker
	// pool's queue was full.
	WorkerQueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "astron_worker_queue_dropped_total",
		Help: "Total dispatch tasks dropped when a worker pool queue was full",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		ObjectsLive,
		ObjectSize,
		DatagramsPublished,
		DatagramsConsumed,
		ChannelSubscriptions,
		InterestCompletionSeconds,
		ClientConnections,
		ClientDisconnects,
		WorkerQueueDropped,
	)
}

// Handler returns the HTTP handler that serves the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a minimal HTTP server exposing /metrics on addr. It blocks
// until the listener errors (normally on process shutdown).
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
