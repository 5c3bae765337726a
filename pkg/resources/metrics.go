package resources

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otomesh",
		Name:      "resource_fetch_total",
		Help:      "Control plane resource fetches, by kind and result.",
	}, []string{"kind", "result"})

	refreshTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otomesh",
		Name:      "resource_refresh_total",
		Help:      "Completed refresh rounds.",
	})
)
