package meshdns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "otomesh",
	Name:      "dns_queries_total",
	Help:      "DNS queries, answered locally (mesh) or forwarded.",
}, []string{"mode"})
