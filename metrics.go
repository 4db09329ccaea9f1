package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricPromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketgate_promotions_total",
			Help: "Waiting-room promotions to the entry log",
		},
		[]string{"result"}, // promoted|deduped|no_capacity
	)

	metricSeatLockAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketgate_seat_lock_attempts_total",
			Help: "Seat lock acquisition attempts",
		},
		[]string{"result"}, // acquired|contended
	)

	metricConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketgate_push_connections",
			Help: "Live push connections on this instance",
		},
	)

	metricPromoteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketgate_promoter_tick_duration_seconds",
			Help:    "Duration of one capacity promoter tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(metricPromotions)
	prometheus.MustRegister(metricSeatLockAttempts)
	prometheus.MustRegister(metricConnections)
	prometheus.MustRegister(metricPromoteDuration)
}
