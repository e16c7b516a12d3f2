package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels are bounded: device is "hub" or "camera", kinds come from the
// closed event union, subscriber ids are chosen by the wiring code.

var (
	HubPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_hub_polls_total",
		Help: "Hub status polls by result",
	}, []string{"result"})

	HubReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_hub_reconnects_total",
		Help: "Hub session re-dial attempts",
	})

	HubConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_hub_connected",
		Help: "1 while the hub session is connected",
	})

	HubRearmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_hub_rearms_total",
		Help: "Re-arm sequences by strategy and result",
	}, []string{"strategy", "result"})

	CameraStreaming = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_camera_streaming",
		Help: "1 while the camera stream is delivering frames",
	})

	CameraFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_camera_frames_total",
		Help: "Frames read from the camera",
	})

	CameraStallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_camera_stalls_total",
		Help: "Stream stalls by cause",
	}, []string{"cause"})

	CameraProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_camera_probes_total",
		Help: "Candidate URL probe attempts by result",
	}, []string{"result"})

	MotionEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_camera_motion_events_total",
		Help: "Motion events emitted after rate limiting",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_events_published_total",
		Help: "Events published on the bus by kind",
	}, []string{"kind"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_events_dropped_total",
		Help: "Events dropped because a subscriber feed was full, by subscriber class",
	}, []string{"class"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_commands_total",
		Help: "Commands by device, kind and terminal state",
	}, []string{"device", "kind", "state"})

	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homeguard_command_latency_ms",
		Help:    "Submit-to-terminal latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"device"})

	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "homeguard_command_queue_depth",
		Help: "Queued commands per device",
	}, []string{"device"})

	SnapshotsStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_snapshots_stored_total",
		Help: "Snapshots persisted by sink and result",
	}, []string{"sink", "result"})

	RelayPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_relay_publish_total",
		Help: "Event envelopes forwarded to external systems",
	}, []string{"target", "result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_http_requests_total",
		Help: "API requests by method and status class",
	}, []string{"method", "code"})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_auth_failures_total",
		Help: "Rejected API credentials by reason",
	}, []string{"reason"})

	RateLimitRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_ratelimit_requests_total",
		Help: "Command requests seen by the rate limiter",
	}, []string{"scope", "result"})

	RateLimitRedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_ratelimit_redis_errors_total",
		Help: "Rate limit checks that failed open because redis was unavailable",
	})
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetHubConnected records the hub session state.
func SetHubConnected(connected bool) {
	HubConnected.Set(boolGauge(connected))
}

// SetCameraStreaming records the camera stream state.
func SetCameraStreaming(streaming bool) {
	CameraStreaming.Set(boolGauge(streaming))
}
