package ledger

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce       sync.Once
	callCounter       *prometheus.CounterVec
	cacheEventCounter *prometheus.CounterVec
	transferCounter   *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		callCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_call_total",
				Help: "Total ledger RPC operations by operation and result",
			},
			[]string{"op", "result"},
		)
		cacheEventCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_cache_events_total",
				Help: "Balance cache events",
			},
			[]string{"event"},
		)
		transferCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transfer_total",
				Help: "Token transfers executed by the platform wallet",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(callCounter, cacheEventCounter, transferCounter)
	})
}

func observeCall(op, result string) {
	initMetrics()
	callCounter.WithLabelValues(op, result).Inc()
}

func observeCacheEvent(event string) {
	initMetrics()
	cacheEventCounter.WithLabelValues(event).Inc()
}

func observeTransfer(result string) {
	initMetrics()
	transferCounter.WithLabelValues(result).Inc()
}
