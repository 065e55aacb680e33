package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "talentgate",
		Subsystem: "ingest",
		Name:      "uploads_total",
		Help:      "简历摄取结果总数（按结局分类）。",
	},
	[]string{"outcome"},
)

// ObserveUpload 记录一次摄取结局（fresh/reuse/clone/duplicate/quota_exceeded/failed）。
func ObserveUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}
