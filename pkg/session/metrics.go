package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harvest",
		Name:      "active_sessions",
		Help:      "Number of sessions currently registered.",
	})

	metricSessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvest",
		Name:      "sessions_finished_total",
		Help:      "Number of sessions that reached a terminal status.",
	}, []string{"status"})
)
