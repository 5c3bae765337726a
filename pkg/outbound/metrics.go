package outbound

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otomesh",
		Name:      "outbound_requests_total",
		Help:      "Outbound requests, by mode (mesh or passthrough).",
	}, []string{"mode"})

	credentialMiss = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otomesh",
		Name:      "outbound_credential_miss_total",
		Help:      "Mesh calls sent without a configured credential.",
	}, []string{"kind"})
)
