package settlement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce        sync.Once
	fulfillmentCounter *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		fulfillmentCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulfillment_total",
				Help: "Fulfillment calls to providers by result",
			},
			[]string{"result"},
		)
		prometheus.MustRegister(fulfillmentCounter)
	})
}

func observeFulfillment(result string) {
	initMetrics()
	fulfillmentCounter.WithLabelValues(result).Inc()
}
