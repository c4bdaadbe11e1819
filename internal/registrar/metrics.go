package registrar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the Registrar's enrollment state machine.
var (
	enrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestctl_registrar_enrollments_total",
		Help: "Total number of enrollment requests, by result.",
	}, []string{"result"})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestctl_registrar_activations_total",
		Help: "Total number of activation attempts, by result.",
	}, []string{"result"})
)

const (
	resultSuccess = "success"
	resultError   = "error"
)
