package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	updatesApplied  prometheus.Counter
	framesBroadcast prometheus.Counter
	updatesDropped  prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archsync_updates_applied_total",
			Help: "Effective document deltas applied across all rooms.",
		}),
		framesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archsync_frames_broadcast_total",
			Help: "Frames fanned out to room members.",
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archsync_persistence_writes_dropped_total",
			Help: "Update writes dropped because the persistence queue was full.",
		}),
	}
}

// MustRegisterMetrics attaches the registry's collectors, plus live gauges
// for room and connection counts, to reg.
func (r *Registry) MustRegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		r.metrics.updatesApplied,
		r.metrics.framesBroadcast,
		r.metrics.updatesDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "archsync_rooms",
			Help: "Resident rooms.",
		}, func() float64 {
			r.mu.Lock()
			defer r.mu.Unlock()
			return float64(len(r.rooms))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "archsync_connections",
			Help: "Open sync connections across all rooms.",
		}, func() float64 {
			total := 0
			for _, room := range r.snapshotRooms() {
				total += room.ClientCount()
			}
			return float64(total)
		}),
	)
}
