package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay: метрики сервера ретранслятора
type Relay struct {
	Peers       prometheus.Gauge
	Matches     prometheus.Gauge
	Frames      *prometheus.CounterVec
	FrameErrors prometheus.Counter
	SendDrops   prometheus.Counter
	IdleKicks   prometheus.Counter
}

// NewRelay создаёт метрики ретранслятора; reg == nil — без регистрации
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Подключённых клиентов.",
		}),
		Matches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "matches",
			Help:      "Активных матчей.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Кадров по типу и направлению.",
		}, []string{"type", "dir"}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frame_errors_total",
			Help:      "Неразборчивых кадров.",
		}),
		SendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "send_drops_total",
			Help:      "Кадров, отброшенных из-за переполнения очереди отправки.",
		}),
		IdleKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "idle_kicks_total",
			Help:      "Клиентов, отключённых по таймауту неактивности.",
		}),
	}

	if reg != nil {
		reg.MustRegister(r.Peers, r.Matches, r.Frames, r.FrameErrors, r.SendDrops, r.IdleKicks)
	}
	return r
}

func (r *Relay) SetPeers(n int) {
	if r != nil {
		r.Peers.Set(float64(n))
	}
}

func (r *Relay) SetMatches(n int) {
	if r != nil {
		r.Matches.Set(float64(n))
	}
}

func (r *Relay) Frame(frameType, dir string) {
	if r != nil {
		r.Frames.WithLabelValues(frameType, dir).Inc()
	}
}

func (r *Relay) FrameError() {
	if r != nil {
		r.FrameErrors.Inc()
	}
}

func (r *Relay) SendDropped() {
	if r != nil {
		r.SendDrops.Inc()
	}
}

func (r *Relay) IdleKicked() {
	if r != nil {
		r.IdleKicks.Inc()
	}
}
