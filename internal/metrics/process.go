package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcSpawnTotal tracks external process spawns by stage and result.
	ProcSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_proc_spawn_total",
		Help: "Total number of external process spawns by stage and result",
	}, []string{"stage", "result"})

	// ProcTerminateTotal tracks termination signals by signal and result.
	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_proc_terminate_total",
		Help: "Total number of process termination signals by signal and result",
	}, []string{"signal", "result"})

	// ProcWaitTotal tracks how process waits resolved.
	ProcWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_proc_wait_total",
		Help: "Total number of process wait resolutions by outcome",
	}, []string{"outcome"})
)

// IncProcSpawn records a process spawn attempt.
func IncProcSpawn(stage, result string) {
	ProcSpawnTotal.WithLabelValues(stage, result).Inc()
}

// IncProcTerminate records a termination signal delivery.
func IncProcTerminate(signal, result string) {
	ProcTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records a wait resolution.
func IncProcWait(outcome string) {
	ProcWaitTotal.WithLabelValues(outcome).Inc()
}
