package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted 已开始的会话数
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capstats_sessions_started_total",
		Help: "Total play sessions started",
	})

	// SessionsEnded 结束的会话数，按结果分类 (true/false/not_found/error)
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capstats_sessions_ended_total",
		Help: "Total end-session calls by result",
	}, []string{"result"})

	// SessionsSwept 被清理的超时会话数
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capstats_sessions_swept_total",
		Help: "Sessions removed by the TTL sweeper",
	})

	// ActiveSessions 当前内存中的会话数
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capstats_active_sessions",
		Help: "Sessions currently held in memory",
	})

	// PlayTimeSeconds 单局游玩时长分布
	PlayTimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capstats_play_time_seconds",
		Help:    "Elapsed seconds per recorded play session",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	// MirrorFailures 镜像写入失败数，按sink分类
	MirrorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capstats_mirror_failures_total",
		Help: "Best-effort mirror writes that failed",
	}, []string{"sink"})

	// StoreErrors 本地存储读写失败数
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capstats_store_errors_total",
		Help: "Local store failures by document",
	}, []string{"document"})

	// HTTPRequestDuration HTTP请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capstats_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"route", "method", "status"})
)

// Handler 返回Prometheus抓取端点
func Handler() http.Handler {
	return promhttp.Handler()
}
