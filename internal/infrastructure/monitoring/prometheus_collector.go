package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"podlive/internal/core/domain"
)

type PrometheusCollector struct {
	// Relay
	participantsConnected prometheus.Gauge
	roomParticipants      *prometheus.GaugeVec
	messagesRouted        *prometheus.CounterVec
	messagesRejected      *prometheus.CounterVec
	chunksIngested        *prometheus.CounterVec
	chunkBytes            prometheus.Counter

	// Participant
	linksActive         *prometheus.GaugeVec
	negotiationFailures *prometheus.CounterVec
	linkSetupDuration   prometheus.Histogram
	speechTransitions   *prometheus.CounterVec

	replayDuration prometheus.Histogram
}

// NewPrometheusCollector registers every podlive metric with reg. A nil
// reg means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		participantsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "podlive_participants_connected",
			Help: "Number of participants connected to this relay",
		}),

		roomParticipants: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "podlive_room_participants",
			Help: "Number of participants connected per room",
		}, []string{"room_id"}),

		messagesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "podlive_messages_routed_total",
			Help: "Signaling messages routed by type",
		}, []string{"type"}),

		messagesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "podlive_messages_rejected_total",
			Help: "Signaling messages rejected by reason",
		}, []string{"reason"}),

		chunksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "podlive_recording_chunks_total",
			Help: "Recording chunks received by message type",
		}, []string{"type"}),

		chunkBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "podlive_recording_chunk_bytes_total",
			Help: "Decoded recording bytes received",
		}),

		linksActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "podlive_peer_links",
			Help: "Peer links by stream class and state",
		}, []string{"stream_type", "state"}),

		negotiationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "podlive_negotiation_failures_total",
			Help: "Peer link negotiations that failed or timed out",
		}, []string{"stream_type"}),

		linkSetupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "podlive_peer_link_setup_seconds",
			Help:    "Time from link creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		speechTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "podlive_speech_transitions_total",
			Help: "Speaking transitions reported by the detector",
		}, []string{"speaking"}),

		replayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "podlive_replay_compute_seconds",
			Help:    "Duration of replay state computations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}

func (p *PrometheusCollector) ParticipantConnected(room domain.RoomID) {
	p.participantsConnected.Inc()
	p.roomParticipants.WithLabelValues(string(room)).Inc()
}

func (p *PrometheusCollector) ParticipantDisconnected(room domain.RoomID) {
	p.participantsConnected.Dec()
	p.roomParticipants.WithLabelValues(string(room)).Dec()
}

// RoomClosed drops the per-room series.
func (p *PrometheusCollector) RoomClosed(room domain.RoomID) {
	p.roomParticipants.DeleteLabelValues(string(room))
}

func (p *PrometheusCollector) MessageRouted(msgType string) {
	p.messagesRouted.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ChunkIngested(msgType string, bytes int) {
	p.chunksIngested.WithLabelValues(msgType).Inc()
	p.chunkBytes.Add(float64(bytes))
}

// LinkStateChanged moves one link between state series. from is empty for
// a new link and to is empty for a removed one.
func (p *PrometheusCollector) LinkStateChanged(class domain.StreamClass, from, to string) {
	if from != "" {
		p.linksActive.WithLabelValues(string(class), from).Dec()
	}
	if to != "" {
		p.linksActive.WithLabelValues(string(class), to).Inc()
	}
}

func (p *PrometheusCollector) NegotiationFailed(class domain.StreamClass) {
	p.negotiationFailures.WithLabelValues(string(class)).Inc()
}

func (p *PrometheusCollector) LinkConnected(setup time.Duration) {
	p.linkSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) SpeechTransition(speaking bool) {
	label := "stop"
	if speaking {
		label = "start"
	}
	p.speechTransitions.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) ReplayComputed(d time.Duration) {
	p.replayDuration.Observe(d.Seconds())
}
