//go:build linux
// +build linux

package v1

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/opcoder0/fanotify"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// fanotifyFeed watches with one fanotify listener per configured root,
// covering the whole subtree underneath each. It needs CAP_SYS_ADMIN,
// so the fsnotify backend stays the default.
type fanotifyFeed struct {
	injector hostfeed.Injector
	metrics  metricsmanager.MetricsManager
	opts     FileFeedOptions

	listeners []*fanotify.Listener
	self      gateway.RawProcess

	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	wg       sync.WaitGroup
}

var _ hostfeed.Feed = (*fanotifyFeed)(nil)

func newFanotifyFeed(opts FileFeedOptions, injector hostfeed.Injector, metrics metricsmanager.MetricsManager) (hostfeed.Feed, error) {
	return &fanotifyFeed{
		injector: injector,
		metrics:  metrics,
		opts:     opts,
		stopChan: make(chan struct{}),
	}, nil
}

func (f *fanotifyFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("file feed already started")
	}

	for _, p := range f.opts.Paths {
		full := filepath.Join(f.opts.HostRoot, p)
		if _, err := os.Stat(full); err != nil {
			logger.L().Warning("file feed path missing, skipping",
				helpers.String("path", full),
				helpers.Error(err))
			continue
		}
		listener, err := fanotify.NewListener(full, true, fanotify.PermissionNone)
		if err != nil {
			f.cleanupListeners()
			return fmt.Errorf("fanotify listener for %s: %w", full, err)
		}
		if err := listener.AddWatch(full, fanotifyEventTypes()); err != nil {
			listener.Stop()
			f.cleanupListeners()
			return fmt.Errorf("fanotify watch for %s: %w", full, err)
		}
		listener.Start()
		f.listeners = append(f.listeners, listener)
		logger.L().Debug("file feed watching",
			helpers.String("path", full),
			helpers.String("backend", config.FileFeedFanotify))
	}
	if len(f.listeners) == 0 {
		return fmt.Errorf("file feed has no watchable paths")
	}

	f.self = observerProcess()
	f.wg.Add(1)
	go f.watch(ctx)
	f.running = true
	return nil
}

func fanotifyEventTypes() fanotify.EventType {
	var t fanotify.EventType
	t = t.Or(fanotify.FileCreated)
	t = t.Or(fanotify.FileModified)
	t = t.Or(fanotify.FileDeleted)
	t = t.Or(fanotify.FileMovedFrom)
	t = t.Or(fanotify.FileMovedTo)
	t = t.Or(fanotify.FileAttribChanged)
	return t
}

func (f *fanotifyFeed) watch(ctx context.Context) {
	defer f.wg.Done()

	events := make(chan fanotify.Event, 1000)
	for _, listener := range f.listeners {
		f.wg.Add(1)
		go func(l *fanotify.Listener) {
			defer f.wg.Done()
			for {
				select {
				case <-f.stopChan:
					return
				case ev := <-l.Events:
					select {
					case events <- ev:
					case <-f.stopChan:
						return
					}
				}
			}
		}(listener)
	}

	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return
		case <-f.stopChan:
			return
		case ev := <-events:
			f.handleEvent(ev)
		}
	}
}

func (f *fanotifyFeed) handleEvent(ev fanotify.Event) {
	full := ev.Path
	if ev.FileName != "" {
		full = filepath.Join(ev.Path, ev.FileName)
	}
	now := time.Now()

	switch {
	case ev.EventTypes.Has(fanotify.FileCreated):
		rf, _ := statRawFile(full)
		rf.Path = stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyOpen,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Open: gateway.RawOpen{
				File:  rf,
				Flags: gateway.OpenCreate | gateway.OpenWrite,
			}},
		})

	case ev.EventTypes.Has(fanotify.FileModified):
		rf, _ := statRawFile(full)
		rf.Path = stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyWrite,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Write: gateway.RawWrite{File: rf}},
		})

	case ev.EventTypes.Has(fanotify.FileDeleted):
		path := stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyUnlink,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Unlink: gateway.RawUnlink{
				File:      gateway.RawFile{Path: path},
				ParentDir: filepath.Dir(path),
			}},
		})

	case ev.EventTypes.Has(fanotify.FileMovedFrom):
		path := stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyRename,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Rename: gateway.RawRename{
				Source: gateway.RawFile{Path: path},
			}},
		})

	case ev.EventTypes.Has(fanotify.FileMovedTo):
		// Only the destination side is visible here; the source
		// reported separately as a moved-from if it was watched.
		path := stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyRename,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Rename: gateway.RawRename{
				DestDir:  filepath.Dir(path),
				DestName: filepath.Base(path),
			}},
		})

	case ev.EventTypes.Has(fanotify.FileAttribChanged):
		rf, err := statRawFile(full)
		if err != nil {
			// Raced a removal, the unlink sample covers it.
			return
		}
		mode := rf.Mode
		rf.Path = stripHostRoot(f.opts.HostRoot, full)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifySetMode,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{SetMode: gateway.RawSetMode{
				File:    rf,
				NewMode: mode,
			}},
		})
	}
}

func (f *fanotifyFeed) inject(s gatewayv1.Sample) {
	injectSample(f.injector, f.metrics, hostfeed.FeedFile, s)
}

func (f *fanotifyFeed) shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
		for _, l := range f.listeners {
			l.Stop()
		}
	})
}

func (f *fanotifyFeed) Stop() {
	f.shutdown()
	f.wg.Wait()
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fanotifyFeed) cleanupListeners() {
	for _, l := range f.listeners {
		l.Stop()
	}
	f.listeners = f.listeners[:0]
}
