package v1

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/moby/sys/mountinfo"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// MountFeedOptions configures mount table polling. MountinfoPath
// usually points at the observer's own table; containerized
// deployments point it under the host root instead.
type MountFeedOptions struct {
	Interval      time.Duration
	MountinfoPath string
}

func (o *MountFeedOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MountinfoPath == "" {
		o.MountinfoPath = "/proc/self/mountinfo"
	}
}

// MountFeed polls the mount table and reports attach and detach
// transitions. A mount point whose source or filesystem changed
// between scans reports as a detach followed by an attach.
type MountFeed struct {
	injector hostfeed.Injector
	metrics  metricsmanager.MetricsManager
	opts     MountFeedOptions

	known  map[string]mountEntry
	primed bool
	self   gateway.RawProcess

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

var _ hostfeed.Feed = (*MountFeed)(nil)

type mountEntry struct {
	source string
	fstype string
}

func NewMountFeed(opts MountFeedOptions, injector hostfeed.Injector, metrics metricsmanager.MetricsManager) *MountFeed {
	opts.setDefaults()
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	return &MountFeed{
		injector: injector,
		metrics:  metrics,
		opts:     opts,
	}
}

// Start probes the mount table once so a bad path fails here rather
// than silently inside the loop, then begins polling.
func (m *MountFeed) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("mount feed already started")
	}

	if _, err := m.readMounts(); err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	m.known = make(map[string]mountEntry)
	m.primed = false
	m.self = observerProcess()

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.feedLoop()

	logger.L().Debug("mount feed started",
		helpers.String("mountinfo", m.opts.MountinfoPath),
		helpers.String("interval", m.opts.Interval.String()))
	return nil
}

func (m *MountFeed) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *MountFeed) feedLoop() {
	defer m.wg.Done()
	ctx := m.ctx

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	// The first scan primes the table silently.
	m.scan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *MountFeed) readMounts() (map[string]mountEntry, error) {
	fh, err := os.Open(m.opts.MountinfoPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()
	mounts, err := mountinfo.GetMountsFromReader(fh, nil)
	if err != nil {
		return nil, err
	}
	table := make(map[string]mountEntry, len(mounts))
	for _, info := range mounts {
		table[info.Mountpoint] = mountEntry{source: info.Source, fstype: info.FSType}
	}
	return table, nil
}

func (m *MountFeed) scan() {
	table, err := m.readMounts()
	if err != nil {
		logger.L().Warning("mount feed failed to read mount table", helpers.Error(err))
		m.metrics.ReportFeedFailure(hostfeed.FeedMount)
		return
	}

	if m.primed {
		for point, prev := range m.known {
			if cur, ok := table[point]; !ok || cur != prev {
				m.emitUnmount(point)
			}
		}
		for point, cur := range table {
			if prev, ok := m.known[point]; !ok || prev != cur {
				m.emitMount(point, cur)
			}
		}
	}

	m.known = table
	m.primed = true
}

func (m *MountFeed) emitMount(point string, entry mountEntry) {
	injectSample(m.injector, m.metrics, hostfeed.FeedMount, gatewayv1.Sample{
		Type:    gateway.NotifyMount,
		Time:    time.Now(),
		Process: m.self,
		Payload: gateway.RawPayload{Mount: gateway.RawMount{
			Source:     entry.source,
			MountPoint: point,
			FSType:     entry.fstype,
		}},
	})
}

func (m *MountFeed) emitUnmount(point string) {
	injectSample(m.injector, m.metrics, hostfeed.FeedMount, gatewayv1.Sample{
		Type:    gateway.NotifyUnmount,
		Time:    time.Now(),
		Process: m.self,
		Payload: gateway.RawPayload{Unmount: gateway.RawUnmount{MountPoint: point}},
	})
}
