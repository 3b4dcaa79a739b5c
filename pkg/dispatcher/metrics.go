package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_dispatcher_batches_total",
		Help: "Total batches sent by result",
	}, []string{"result"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_dispatcher_batch_size",
		Help:    "Sub-requests per batch",
		Buckets: []float64{1, 2, 5, 10, 15, 20},
	})

	batchDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_dispatcher_batch_delay_seconds",
		Help:    "Delay applied before sending a batch with throttled members",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	inFlightBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_dispatcher_inflight_batches",
		Help: "Batch sends currently in flight",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graph_dispatcher_queue_depth",
		Help: "Items waiting in the intake and retry queues",
	}, []string{"queue"})

	requeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_dispatcher_requeued_total",
		Help: "Sub-requests returned throttled and requeued for retry",
	})

	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_dispatcher_enqueued_total",
		Help: "Requests submitted to the dispatcher by outcome",
	}, []string{"outcome"})
)
