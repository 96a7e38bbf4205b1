package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 网关核心指标
var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquahub_frames_processed_total",
		Help: "Total number of inbound frames processed",
	}, []string{"type"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquahub_frames_dropped_total",
		Help: "Total number of malformed frames dropped",
	})

	CommandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquahub_commands_applied_total",
		Help: "Total number of control commands applied",
	}, []string{"command"})

	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquahub_broadcasts_sent_total",
		Help: "Total number of status/alarm broadcasts sent",
	})

	ActiveAlarms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aquahub_active_alarms",
		Help: "Number of currently active alarms",
	})

	OnlineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aquahub_online_devices",
		Help: "Number of devices currently online",
	})
)
