package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lease acquisition counter - success vs failure
	// success rate = success / (success + failure)
	LeaseAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbbroker_lease_acquire_total",
			Help: "total number of lease acquisition attempts",
		},
		[]string{"status"},
	)

	// lease renewal counter - tracks holder heartbeat activity
	LeaseRenewTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usbbroker_lease_renew_total",
			Help: "total number of lease renewals",
		},
	)

	// lease expiration counter - spikes indicate crashed or partitioned consumers
	LeaseExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usbbroker_lease_expire_total",
			Help: "total number of lease expirations",
		},
	)

	// active leases - should match the number of devices in use
	LeasesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usbbroker_leases_active",
			Help: "current number of active leases",
		},
	)

	// registered devices by state
	DevicesRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usbbroker_devices_registered",
			Help: "number of registered devices by state",
		},
		[]string{"state"},
	)

	// agent heartbeat counter
	AgentHeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbbroker_agent_heartbeat_total",
			Help: "total number of host agent heartbeats processed",
		},
		[]string{"status"},
	)

	// open sessions on this export agent
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usbbroker_sessions_active",
			Help: "current number of open transport sessions",
		},
	)

	// relayed frames, split by direction
	FramesRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbbroker_frames_relayed_total",
			Help: "total number of USB transfer frames relayed",
		},
		[]string{"direction"},
	)

	// service uptime - always 1 when running; scrape failure means down
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usbbroker_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
