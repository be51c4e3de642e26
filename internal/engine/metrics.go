package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Переходы FSM инстансов
	InstanceTransitions *prometheus.CounterVec

	// Инстансы в нетерминальных состояниях на этой реплике
	ActiveInstances prometheus.Gauge

	// Вызовы инструментов по уровню риска и итоговому статусу
	ToolCalls *prometheus.CounterVec

	// Latency исполнения инструмента (включая коннекторы)
	ToolDuration *prometheus.HistogramVec

	// Решения Spawn Controller: admitted / denied + причина
	SpawnDecisions *prometheus.CounterVec

	// Сколько ждали решения человека
	ApprovalWait prometheus.Histogram

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		InstanceTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_instance_transitions_total",
			Help: "Instance state machine transitions.",
		}, []string{"from", "to"}),

		ActiveInstances: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_instances_active",
			Help: "Instances in a non-terminal state owned by this replica.",
		}),

		ToolCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Tool calls by safety tier and final status.",
		}, []string{"tool_id", "tier", "status"}),

		ToolDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_tool_duration_seconds",
			Help:    "Histogram of tool execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool_id"}),

		SpawnDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_spawn_decisions_total",
			Help: "Spawn controller decisions.",
		}, []string{"outcome", "reason"}),

		ApprovalWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_approval_wait_seconds",
			Help:    "Time between a tool call request and its human or timeout resolution.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"tool_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
