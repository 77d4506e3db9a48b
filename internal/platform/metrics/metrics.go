package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the ingest pipeline.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	ingestSessions       prometheus.Gauge
	framesPublishedTotal prometheus.Counter
	frameBytesTotal      prometheus.Counter
	publishFailuresTotal prometheus.Counter
	activeTranscoders    prometheus.Gauge
	transcoderStarts     prometheus.Counter
	transcoderExits      *prometheus.CounterVec
	feedFailuresTotal    prometheus.Counter
	gateRejections       *prometheus.CounterVec
	playbackLinksTotal   prometheus.Counter
	liveRecordings       prometheus.Gauge
}

// New creates and registers the pipeline metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		ingestSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_ingest_sessions_active",
			Help: "Number of open ingest connections",
		}),
		framesPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_frames_published_total",
			Help: "Total number of frames published on the frame bus",
		}),
		frameBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_frame_bytes_total",
			Help: "Total number of frame bytes published on the frame bus",
		}),
		publishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_publish_failures_total",
			Help: "Total number of frame bus publish failures",
		}),
		activeTranscoders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_transcoders_active",
			Help: "Number of running transcoder processes",
		}),
		transcoderStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_transcoder_starts_total",
			Help: "Total number of transcoder processes spawned",
		}),
		transcoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_transcoder_exits_total",
			Help: "Transcoder exits by reason (stopped, killed, crashed)",
		}, []string{"reason"}),
		feedFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_feed_failures_total",
			Help: "Total number of failed writes to transcoder stdin",
		}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_gate_rejections_total",
			Help: "Playback requests rejected by the delivery gate, by reason",
		}, []string{"reason"}),
		playbackLinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_playback_links_total",
			Help: "Total number of playback links issued",
		}),
		liveRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_recordings_live",
			Help: "Number of recordings whose stream has not finished",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.ingestSessions,
		m.framesPublishedTotal,
		m.frameBytesTotal,
		m.publishFailuresTotal,
		m.activeTranscoders,
		m.transcoderStarts,
		m.transcoderExits,
		m.feedFailuresTotal,
		m.gateRejections,
		m.playbackLinksTotal,
		m.liveRecordings,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IngestOpened and IngestClosed track open ingest connections.
func (m *Metrics) IngestOpened() {
	if m != nil {
		m.ingestSessions.Inc()
	}
}

func (m *Metrics) IngestClosed() {
	if m != nil {
		m.ingestSessions.Dec()
	}
}

// ObserveFramePublished counts one published frame of n bytes.
func (m *Metrics) ObserveFramePublished(n int) {
	if m != nil {
		m.framesPublishedTotal.Inc()
		m.frameBytesTotal.Add(float64(n))
	}
}

func (m *Metrics) IncPublishFailures() {
	if m != nil {
		m.publishFailuresTotal.Inc()
	}
}

// SetActiveTranscoders sets the running transcoder gauge.
func (m *Metrics) SetActiveTranscoders(n int) {
	if m != nil {
		m.activeTranscoders.Set(float64(n))
	}
}

func (m *Metrics) IncTranscoderStarts() {
	if m != nil {
		m.transcoderStarts.Inc()
	}
}

// IncTranscoderExits counts a transcoder exit with the given reason.
func (m *Metrics) IncTranscoderExits(reason string) {
	if m != nil {
		m.transcoderExits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncFeedFailures() {
	if m != nil {
		m.feedFailuresTotal.Inc()
	}
}

// IncGateRejections counts a rejected playback request.
func (m *Metrics) IncGateRejections(reason string) {
	if m != nil {
		m.gateRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncPlaybackLinks() {
	if m != nil {
		m.playbackLinksTotal.Inc()
	}
}

// SetLiveRecordings sets the unfinished recordings gauge.
func (m *Metrics) SetLiveRecordings(n int) {
	if m != nil {
		m.liveRecordings.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active transcoders).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
