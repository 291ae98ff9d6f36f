package forum

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonboard_posts_created_total",
		Help: "Posts created, by kind (post or reply).",
	}, []string{"kind"})

	postsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonboard_posts_deleted_total",
		Help: "Post rows removed, including cascaded replies, by reason.",
	}, []string{"reason"})

	likesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonboard_likes_total",
		Help: "Like and unlike actions that changed state.",
	}, []string{"action"})

	reportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonboard_reports_total",
		Help: "Reports recorded.",
	})

	autoModerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonboard_auto_moderated_total",
		Help: "Posts removed for reaching the report threshold.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anonboard_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)
