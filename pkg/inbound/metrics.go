package inbound

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "otomesh",
	Name:      "inbound_requests_total",
	Help:      "Inbound requests, by challenge outcome.",
}, []string{"challenge"})
