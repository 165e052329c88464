// Package metrics содержит Prometheus-метрики движка синхронизации.
// Все методы безопасны для nil-получателя: компоненты без метрик передают nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sector_sync"

// Metrics: набор коллекторов клиента синхронизации
type Metrics struct {
	EventsEnqueued  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	ConnectionState prometheus.Gauge
	MatchJoins      *prometheus.CounterVec
	PositionsSent   prometheus.Counter
	RemoteUpdates   prometheus.Counter
	DecodeErrors    prometheus.Counter
	ForeignEvents   prometheus.Counter
	StaleEvictions  prometheus.Counter
	ZoneChanges     prometheus.Counter
	RosterSize      prometheus.Gauge
	AuthAttempts    *prometheus.CounterVec
	StorageSyncs    *prometheus.CounterVec
	TickDuration    prometheus.Histogram
}

// New создаёт метрики и регистрирует их в reg. reg == nil — метрики не регистрируются
// (удобно для тестов и нескольких экземпляров в одном процессе).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_enqueued_total",
			Help:      "Событий транспорта, поставленных в очередь, по типу.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Событий транспорта, отброшенных из-за переполнения очереди.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Состояние соединения: 0=disconnected, 1=connecting, 2=connected.",
		}),
		MatchJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "match_joins_total",
			Help:      "Попыток входа в матч по результату.",
		}, []string{"result"}),
		PositionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "positions_sent_total",
			Help:      "Отправленных обновлений позиции.",
		}),
		RemoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "remote_updates_total",
			Help:      "Применённых обновлений позиций удалённых участников.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "decode_errors_total",
			Help:      "Отброшенных неразборчивых сообщений.",
		}),
		ForeignEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "foreign_match_events_total",
			Help:      "Событий, отброшенных из-за несовпадения матча.",
		}),
		StaleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "stale_evictions_total",
			Help:      "Удалённых по таймауту участников.",
		}),
		ZoneChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "zone_changes_total",
			Help:      "Выполненных смен сектора.",
		}),
		RosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "size",
			Help:      "Количество участников в ростере, включая локального.",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_attempts_total",
			Help:      "Попыток аутентификации по результату.",
		}, []string{"result"}),
		StorageSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "storage_syncs_total",
			Help:      "Записей данных игрока по результату.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "tick_duration_seconds",
			Help:      "Длительность одного тика ростера.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsEnqueued, m.EventsDropped, m.ConnectionState, m.MatchJoins, m.PositionsSent,
			m.RemoteUpdates, m.DecodeErrors, m.ForeignEvents, m.StaleEvictions, m.ZoneChanges,
			m.RosterSize, m.AuthAttempts, m.StorageSyncs, m.TickDuration,
		)
	}
	return m
}

func (m *Metrics) EventEnqueued(kind string) {
	if m != nil {
		m.EventsEnqueued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m != nil {
		m.ConnectionState.Set(float64(state))
	}
}

func (m *Metrics) MatchJoin(result string) {
	if m != nil {
		m.MatchJoins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PositionSent() {
	if m != nil {
		m.PositionsSent.Inc()
	}
}

func (m *Metrics) RemoteUpdate() {
	if m != nil {
		m.RemoteUpdates.Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) ForeignEvent() {
	if m != nil {
		m.ForeignEvents.Inc()
	}
}

func (m *Metrics) StaleEvicted(n int) {
	if m != nil && n > 0 {
		m.StaleEvictions.Add(float64(n))
	}
}

func (m *Metrics) ZoneChanged() {
	if m != nil {
		m.ZoneChanges.Inc()
	}
}

func (m *Metrics) SetRosterSize(n int) {
	if m != nil {
		m.RosterSize.Set(float64(n))
	}
}

func (m *Metrics) AuthAttempt(result string) {
	if m != nil {
		m.AuthAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) StorageSync(result string) {
	if m != nil {
		m.StorageSyncs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m != nil {
		m.TickDuration.Observe(seconds)
	}
}
