package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wanotify"

var (
	// Instances
	instanceHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_handles",
			Help:      "Current number of driver handles by lifecycle state.",
		},
		[]string{"state"},
	)
	instanceCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_creations_total",
			Help:      "Driver handle creations by result.",
		},
		[]string{"result"},
	)
	instanceCleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_cleanups_total",
			Help:      "Forced teardowns by trigger.",
		},
		[]string{"reason"},
	)
	cleanupErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_cleanup_errors_total",
			Help:      "Best-effort teardown steps that failed.",
		},
		[]string{"step"},
	)
	pairingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_events_total",
			Help:      "Driver events consumed by the pairing state machine.",
		},
		[]string{"event"},
	)

	// Messages
	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	messageAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_acks_total",
			Help:      "Delivery acknowledgements applied, by resulting status.",
		},
		[]string{"status"},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent in the driver send call (seconds).",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Queue
	queueDrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drains_total",
			Help:      "Queue drain runs by stop reason.",
		},
		[]string{"reason"},
	)
	queueLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_lag_seconds",
			Help:      "Lag between enqueue and send attempt (seconds).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Host
	resourceUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_usage",
			Help:      "Sampled CPU percent and memory MB of the host and of this process.",
		},
		[]string{"scope", "resource"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		instanceHandles,
		instanceCreations,
		instanceCleanups,
		cleanupErrors,
		pairingEvents,

		messagesDispatched,
		messageAcks,
		sendDuration,

		queueDrains,
		queueLag,

		resourceUsage,
	}
}

// Register adds the gateway collectors to reg. Registering twice is a no-op.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// --- Instances ---
func SetInstanceHandles(state string, n int) { instanceHandles.WithLabelValues(state).Set(float64(n)) }
func IncInstanceCreation(result string)      { instanceCreations.WithLabelValues(result).Inc() }
func IncInstanceCleanup(reason string)       { instanceCleanups.WithLabelValues(reason).Inc() }
func IncCleanupError(step string)            { cleanupErrors.WithLabelValues(step).Inc() }
func IncPairingEvent(event string)           { pairingEvents.WithLabelValues(event).Inc() }

// --- Messages ---
func IncDispatched(outcome string) { messagesDispatched.WithLabelValues(outcome).Inc() }
func IncAck(status string)         { messageAcks.WithLabelValues(status).Inc() }
func ObserveSend(d time.Duration)  { sendDuration.Observe(d.Seconds()) }

// --- Queue ---
func IncDrain(reason string) { queueDrains.WithLabelValues(reason).Inc() }
func ObserveQueueLag(d time.Duration) {
	if d < 0 {
		d = 0
	}
	queueLag.Observe(d.Seconds())
}

// --- Host ---
func SetResourceUsage(scope, resource string, v float64) {
	resourceUsage.WithLabelValues(scope, resource).Set(v)
}
