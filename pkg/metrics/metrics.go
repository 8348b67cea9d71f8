// Package metrics exposes the room-synchronization server's Prometheus
// metrics: live room/session counts, CRDT operation throughput, GC runs,
// and rate-limit rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the server publishes.
type Metrics struct {
	roomsActive        prometheus.Gauge
	roomsCreatedTotal   prometheus.Counter
	roomsDestroyedTotal prometheus.Counter

	sessionsActive        prometheus.Gauge
	registrationsTotal    *prometheus.CounterVec
	reconnectionsTotal    *prometheus.CounterVec

	crdtOpsTotal    *prometheus.CounterVec
	crdtGCRunsTotal prometheus.Counter

	rateLimitRejectionsTotal prometheus.Counter
	hostMigrationsTotal      prometheus.Counter
}

// New creates and registers every metric with the default registry.
func New() *Metrics {
	return &Metrics{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_rooms_active",
			Help: "Current number of live rooms.",
		}),
		roomsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_created_total",
			Help: "Total rooms created.",
		}),
		roomsDestroyedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_destroyed_total",
			Help: "Total rooms destroyed.",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_sessions_active",
			Help: "Current number of live client sessions.",
		}),
		registrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_registrations_total",
			Help: "Client registration attempts by outcome.",
		}, []string{"outcome"}),
		reconnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_reconnections_total",
			Help: "Client reconnection attempts by outcome.",
		}, []string{"outcome"}),
		crdtOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_crdt_operations_total",
			Help: "CRDT operations applied, by op type and origin.",
		}, []string{"type", "origin"}),
		crdtGCRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_crdt_gc_runs_total",
			Help: "Total CRDT log compaction passes.",
		}),
		rateLimitRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rate_limit_rejections_total",
			Help: "Total connections terminated for exhausting their rate-limit bucket.",
		}),
		hostMigrationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_host_migrations_total",
			Help: "Total room host migrations.",
		}),
	}
}

func (m *Metrics) RoomCreated()   { m.roomsActive.Inc(); m.roomsCreatedTotal.Inc() }
func (m *Metrics) RoomDestroyed() { m.roomsActive.Dec(); m.roomsDestroyedTotal.Inc() }

func (m *Metrics) SessionConnected()    { m.sessionsActive.Inc() }
func (m *Metrics) SessionDisconnected() { m.sessionsActive.Dec() }

func (m *Metrics) RegistrationOutcome(outcome string) { m.registrationsTotal.WithLabelValues(outcome).Inc() }
func (m *Metrics) ReconnectionOutcome(outcome string) { m.reconnectionsTotal.WithLabelValues(outcome).Inc() }

func (m *Metrics) CRDTOperation(opType, origin string) { m.crdtOpsTotal.WithLabelValues(opType, origin).Inc() }
func (m *Metrics) CRDTGCRun()                          { m.crdtGCRunsTotal.Inc() }

func (m *Metrics) RateLimitRejection() { m.rateLimitRejectionsTotal.Inc() }
func (m *Metrics) HostMigration()      { m.hostMigrationsTotal.Inc() }

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
