// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// gaugeSetter is the slice of prometheus.Gauge the registry needs. Tests can
// substitute a recorder.
type gaugeSetter interface {
	Set(float64)
}

// Metrics holds the real-time core's instruments. Register once per process
// and share across components; nil is accepted everywhere for tests.
type Metrics struct {
	ConnectedSessions prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	RoomMembers       prometheus.Gauge
	EventsBroadcast   *prometheus.CounterVec
	DroppedOutbound   prometheus.Counter
	RateLimited       prometheus.Counter
	TrackedSenders    prometheus.Gauge
}

// NewMetrics creates and registers the core instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candor_connected_sessions",
			Help: "Currently authenticated WebSocket sessions.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candor_online_users",
			Help: "Distinct users with at least one live session.",
		}),
		RoomMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candor_room_memberships",
			Help: "Total room membership entries across all rooms.",
		}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candor_events_broadcast_total",
			Help: "Outbound events fanned out, by event name.",
		}, []string{"event"}),
		DroppedOutbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candor_outbound_dropped_total",
			Help: "Outbound events dropped because a connection queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candor_rate_limited_total",
			Help: "Messages rejected by the sliding-window rate limiter.",
		}),
		TrackedSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candor_rate_limiter_tracked_senders",
			Help: "Senders currently tracked by the rate limiter.",
		}),
	}
	reg.MustRegister(
		m.ConnectedSessions,
		m.OnlineUsers,
		m.RoomMembers,
		m.EventsBroadcast,
		m.DroppedOutbound,
		m.RateLimited,
		m.TrackedSenders,
	)
	return m
}
