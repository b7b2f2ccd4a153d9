package metricsmanager

import (
	"net/http"
	"sync"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

const (
	eventTypeLabel = "event_type"
	verdictLabel   = "verdict"
	cachedLabel    = "cached"
	feedLabel      = "feed"
)

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	eventCounter           *prometheus.CounterVec
	responseCounter        *prometheus.CounterVec
	autoDenyCounter        prometheus.Counter
	deadlineDefaultCounter prometheus.Counter
	muteDropCounter        prometheus.Counter
	cacheHitCounter        prometheus.Counter
	feedSampleCounter      *prometheus.CounterVec
	feedFailureCounter     *prometheus.CounterVec

	// Cache to avoid allocating Labels maps on every call
	eventCounterCache map[gateway.EventType]prometheus.Counter
	feedCounterCache  map[string]prometheus.Counter
	counterCacheMutex sync.RWMutex
}

func NewPrometheusMetric() *PrometheusMetric {
	return &PrometheusMetric{
		eventCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_event_counter",
			Help: "The total number of events delivered by the gate, by event type",
		}, []string{eventTypeLabel}),
		responseCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_response_counter",
			Help: "The total number of authorization responses, by verdict",
		}, []string{verdictLabel, cachedLabel}),
		autoDenyCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_auto_deny_counter",
			Help: "The total number of conservative denies issued for handlers that returned without responding",
		}),
		deadlineDefaultCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_deadline_default_counter",
			Help: "The total number of authorizations resolved by the gate default after the deadline",
		}),
		muteDropCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_mute_drop_counter",
			Help: "The total number of deliveries suppressed by mute rules",
		}),
		cacheHitCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_cache_hit_counter",
			Help: "The total number of authorizations short-circuited by the decision cache",
		}),
		feedSampleCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_feed_sample_counter",
			Help: "The total number of samples injected by host feeders, by feed",
		}, []string{feedLabel}),
		feedFailureCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_feed_failure_counter",
			Help: "The total number of host feeder failures, by feed",
		}, []string{feedLabel}),

		eventCounterCache: make(map[gateway.EventType]prometheus.Counter),
		feedCounterCache:  make(map[string]prometheus.Counter),
	}
}

func (p *PrometheusMetric) Start() {
	// Start prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.L().Info("prometheus metrics server started", helpers.Int("port", 8080), helpers.String("path", "/metrics"))
		logger.L().Fatal(http.ListenAndServe(":8080", nil).Error())
	}()
}

func (p *PrometheusMetric) Destroy() {
	prometheus.Unregister(p.eventCounter)
	prometheus.Unregister(p.responseCounter)
	prometheus.Unregister(p.autoDenyCounter)
	prometheus.Unregister(p.deadlineDefaultCounter)
	prometheus.Unregister(p.muteDropCounter)
	prometheus.Unregister(p.cacheHitCounter)
	prometheus.Unregister(p.feedSampleCounter)
	prometheus.Unregister(p.feedFailureCounter)
}

// getCachedEventCounter returns a cached counter for the event type to avoid map allocations
func (p *PrometheusMetric) getCachedEventCounter(eventType gateway.EventType) prometheus.Counter {
	p.counterCacheMutex.RLock()
	counter, exists := p.eventCounterCache[eventType]
	p.counterCacheMutex.RUnlock()

	if exists {
		return counter
	}

	p.counterCacheMutex.Lock()
	defer p.counterCacheMutex.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := p.eventCounterCache[eventType]; exists {
		return counter
	}

	counter = p.eventCounter.With(prometheus.Labels{eventTypeLabel: eventType.String()})
	p.eventCounterCache[eventType] = counter
	return counter
}

func (p *PrometheusMetric) getCachedFeedCounter(feed string) prometheus.Counter {
	p.counterCacheMutex.RLock()
	counter, exists := p.feedCounterCache[feed]
	p.counterCacheMutex.RUnlock()

	if exists {
		return counter
	}

	p.counterCacheMutex.Lock()
	defer p.counterCacheMutex.Unlock()

	if counter, exists := p.feedCounterCache[feed]; exists {
		return counter
	}

	counter = p.feedSampleCounter.With(prometheus.Labels{feedLabel: feed})
	p.feedCounterCache[feed] = counter
	return counter
}

func (p *PrometheusMetric) ReportEvent(eventType gateway.EventType) {
	p.getCachedEventCounter(eventType).Inc()
}

func (p *PrometheusMetric) ReportResponse(verdict gateway.Verdict, cached bool) {
	cachedValue := "false"
	if cached {
		cachedValue = "true"
	}
	p.responseCounter.With(prometheus.Labels{
		verdictLabel: verdict.String(),
		cachedLabel:  cachedValue,
	}).Inc()
}

func (p *PrometheusMetric) ReportAutoDeny() {
	p.autoDenyCounter.Inc()
}

func (p *PrometheusMetric) ReportDeadlineDefault() {
	p.deadlineDefaultCounter.Inc()
}

func (p *PrometheusMetric) ReportMuteDrop() {
	p.muteDropCounter.Inc()
}

func (p *PrometheusMetric) ReportCacheHit() {
	p.cacheHitCounter.Inc()
}

func (p *PrometheusMetric) ReportFeedSample(feed string) {
	p.getCachedFeedCounter(feed).Inc()
}

func (p *PrometheusMetric) ReportFeedFailure(feed string) {
	p.feedFailureCounter.With(prometheus.Labels{feedLabel: feed}).Inc()
}
