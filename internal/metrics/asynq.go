package metrics

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "talentgate",
			Subsystem: "asynq",
			Name:      "task_duration_seconds",
			Help:      "按任务类型与结果统计的处理耗时（秒）。",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"task_type", "result"},
	)

	activeTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "talentgate",
			Subsystem: "asynq",
			Name:      "active_tasks",
			Help:      "处理中的任务数，按任务类型区分。",
		},
		[]string{"task_type"},
	)
)

// AsynqMetricsMiddleware 记录 Asynq 任务处理指标。
func AsynqMetricsMiddleware() asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
			taskType := task.Type()
			activeTasks.WithLabelValues(taskType).Inc()
			defer activeTasks.WithLabelValues(taskType).Dec()

			start := time.Now()
			err := next.ProcessTask(ctx, task)

			result := "ok"
			if err != nil {
				result = "error"
			}
			taskDuration.WithLabelValues(taskType, result).Observe(time.Since(start).Seconds())

			return err
		})
	}
}
