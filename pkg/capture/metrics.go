package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricCapturesStored = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "harvest",
	Name:      "network_captures_total",
	Help:      "Number of network responses stored by capture registrations.",
})

func recordCaptures(count int) {
	if count > 0 {
		metricCapturesStored.Add(float64(count))
	}
}
