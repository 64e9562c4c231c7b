package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "batches_total",
			Help:      "Dispatch invocations by result.",
		},
		[]string{"result"}, // ok, empty, claim_failed
	)
	recordsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "records_total",
			Help:      "Outbox records processed by outcome.",
		},
		[]string{"outcome"}, // sent, failed
	)
	sendsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "device_sends_total",
			Help:      "Per-device delivery attempts by result.",
		},
		[]string{"result"}, // delivered, rejected, unavailable, error
	)
	storeUpdateErrorsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "store_update_errors_total",
			Help:      "Status updates that could not be written back to the outbox.",
		},
	)
	batchDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one dispatch invocation.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
