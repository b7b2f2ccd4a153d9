package metricsmanager

import (
	"sync/atomic"

	"github.com/goradd/maps"

	"github.com/kestrelsec/kestrel/pkg/gateway"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	EventCounter           maps.SafeMap[gateway.EventType, int]
	ResponseCounter        maps.SafeMap[string, int] // key: "verdict:cached"
	AutoDenyCounter        atomic.Int32
	DeadlineDefaultCounter atomic.Int32
	MuteDropCounter        atomic.Int32
	CacheHitCounter        atomic.Int32
	FeedSampleCounter      maps.SafeMap[string, int]
	FeedFailureCounter     maps.SafeMap[string, int]
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{}
}

func (m *MetricsMock) Start() {
}

func (m *MetricsMock) Destroy() {
	m.EventCounter.Clear()
	m.ResponseCounter.Clear()
	m.AutoDenyCounter.Store(0)
	m.DeadlineDefaultCounter.Store(0)
	m.MuteDropCounter.Store(0)
	m.CacheHitCounter.Store(0)
	m.FeedSampleCounter.Clear()
	m.FeedFailureCounter.Clear()
}

func (m *MetricsMock) ReportEvent(eventType gateway.EventType) {
	m.EventCounter.Set(eventType, m.EventCounter.Get(eventType)+1)
}

func (m *MetricsMock) ReportResponse(verdict gateway.Verdict, cached bool) {
	key := verdict.String()
	if cached {
		key += ":cached"
	}
	m.ResponseCounter.Set(key, m.ResponseCounter.Get(key)+1)
}

func (m *MetricsMock) ReportAutoDeny() {
	m.AutoDenyCounter.Add(1)
}

func (m *MetricsMock) ReportDeadlineDefault() {
	m.DeadlineDefaultCounter.Add(1)
}

func (m *MetricsMock) ReportMuteDrop() {
	m.MuteDropCounter.Add(1)
}

func (m *MetricsMock) ReportCacheHit() {
	m.CacheHitCounter.Add(1)
}

func (m *MetricsMock) ReportFeedSample(feed string) {
	m.FeedSampleCounter.Set(feed, m.FeedSampleCounter.Get(feed)+1)
}

func (m *MetricsMock) ReportFeedFailure(feed string) {
	m.FeedFailureCounter.Set(feed, m.FeedFailureCounter.Get(feed)+1)
}
