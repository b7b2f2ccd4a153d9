package metricsmanager

import "github.com/kestrelsec/kestrel/pkg/gateway"

// MetricsManager is an interface for reporting event gate metrics
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(eventType gateway.EventType)
	ReportResponse(verdict gateway.Verdict, cached bool)
	ReportAutoDeny()
	ReportDeadlineDefault()
	ReportMuteDrop()
	ReportCacheHit()
	ReportFeedSample(feed string)
	ReportFeedFailure(feed string)
}
