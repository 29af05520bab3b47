package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики сервисов Conveyor.
var (
	// HopsTotal — выполненные шаги оркестрации (start и run-task).
	HopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_hops_total",
		Help: "Orchestration hops handled, by kind and outcome",
	}, []string{"kind", "outcome"})

	// InvocationsTotal — вызовы invoker'ов по типу задачи и результату.
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_task_invocations_total",
		Help: "Task invocations, by task type and success",
	}, []string{"task_type", "success"})

	// InvocationDuration — длительность вызова invoker'а.
	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_task_invocation_seconds",
		Help:    "Task invocation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_type"})

	// EnqueuedTotal — единицы работы, поставленные в очередь.
	EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_units_enqueued_total",
		Help: "Units of work enqueued, by queue backend and queue name",
	}, []string{"backend", "queue"})

	// DeliveriesTotal — HTTP доставки единиц работы.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_unit_deliveries_total",
		Help: "Unit deliveries attempted by the dispatcher, by outcome",
	}, []string{"outcome"})

	// NotificationsTotal — best-effort уведомления по типу и результату.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_notifications_total",
		Help: "Best-effort side-channel operations, by operation and outcome",
	}, []string{"operation", "outcome"})

	// StatusWritesTotal — записи статусов pipelines.
	StatusWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_status_writes_total",
		Help: "Pipeline status writes, by status",
	}, []string{"status"})

	// ReapedTotal — записи статусов, помеченные FAILED reaper'ом.
	ReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_reaped_statuses_total",
		Help: "Stale pipeline statuses marked FAILED by the reaper",
	})
)
