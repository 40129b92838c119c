package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the prometheus metrics exported by the coordinator.
type Collector struct {
	connectedTasks   prometheus.Gauge
	ongoingBarriers  prometheus.Gauge
	heartbeats       prometheus.Counter
	taskErrors       prometheus.Counter
	barriersPassed   *prometheus.CounterVec
	errorsPropagated prometheus.Counter
}

// NewCollector builds the coordinator metrics and registers them on reg.
// A nil reg leaves the metrics unregistered, which tests rely on.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_connected_tasks",
			Help: "Current number of connected tasks",
		}),
		ongoingBarriers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_ongoing_barriers",
			Help: "Current number of ongoing barriers",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_heartbeats_total",
			Help: "Total number of accepted task heartbeats",
		}),
		taskErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_task_errors_total",
			Help: "Total number of tasks transitioned to ERROR",
		}),
		barriersPassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordination_barriers_passed_total",
			Help: "Total number of barriers passed, by outcome",
		}, []string{"outcome"}),
		errorsPropagated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_errors_propagated_total",
			Help: "Total number of errors propagated to the cluster",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.connectedTasks,
			c.ongoingBarriers,
			c.heartbeats,
			c.taskErrors,
			c.barriersPassed,
			c.errorsPropagated,
		)
	}
	return c
}

// SetConnectedTasks records the current connected-task count.
func (c *Collector) SetConnectedTasks(n int) {
	c.connectedTasks.Set(float64(n))
}

// SetOngoingBarriers records the current ongoing-barrier count.
func (c *Collector) SetOngoingBarriers(n int) {
	c.ongoingBarriers.Set(float64(n))
}

// RecordHeartbeat counts an accepted heartbeat.
func (c *Collector) RecordHeartbeat() {
	c.heartbeats.Inc()
}

// RecordTaskError counts a task entering ERROR.
func (c *Collector) RecordTaskError() {
	c.taskErrors.Inc()
}

// RecordBarrierPassed counts a barrier completion with its outcome.
func (c *Collector) RecordBarrierPassed(outcome string) {
	c.barriersPassed.WithLabelValues(outcome).Inc()
}

// RecordPropagation counts one error propagation round.
func (c *Collector) RecordPropagation() {
	c.errorsPropagated.Inc()
}
