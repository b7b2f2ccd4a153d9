package v1

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// FileFeedOptions configures file activity watching. Paths are
// host-absolute; they are resolved under HostRoot for watching and
// reported host-relative so the runtime can root them again.
type FileFeedOptions struct {
	Backend  string
	HostRoot string
	Paths    []string
}

func (o *FileFeedOptions) setDefaults() {
	if o.Backend == "" {
		o.Backend = config.FileFeedFsnotify
	}
}

// NewFileFeed builds the file feed for the configured backend. The
// fanotify backend is only available on linux.
func NewFileFeed(opts FileFeedOptions, injector hostfeed.Injector, metrics metricsmanager.MetricsManager) (hostfeed.Feed, error) {
	opts.setDefaults()
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("file feed needs at least one watch path: %w", gateway.ErrInvalidArgument)
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	switch opts.Backend {
	case config.FileFeedFsnotify:
		return newFsnotifyFeed(opts, injector, metrics), nil
	case config.FileFeedFanotify:
		return newFanotifyFeed(opts, injector, metrics)
	default:
		return nil, fmt.Errorf("file feed backend %q: %w", opts.Backend, gateway.ErrInvalidArgument)
	}
}

// fsnotifyFeed watches the configured paths with inotify-backed
// watches. Watches are not recursive; directories created under a
// watched one are added as they appear.
type fsnotifyFeed struct {
	injector hostfeed.Injector
	metrics  metricsmanager.MetricsManager
	opts     FileFeedOptions

	watcher *fsnotify.Watcher
	roots   map[string]struct{}
	self    gateway.RawProcess

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

var _ hostfeed.Feed = (*fsnotifyFeed)(nil)

func newFsnotifyFeed(opts FileFeedOptions, injector hostfeed.Injector, metrics metricsmanager.MetricsManager) *fsnotifyFeed {
	return &fsnotifyFeed{
		injector: injector,
		metrics:  metrics,
		opts:     opts,
	}
}

func (f *fsnotifyFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		return fmt.Errorf("file feed already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	f.roots = make(map[string]struct{}, len(f.opts.Paths))
	watched := 0
	for _, p := range f.opts.Paths {
		full := filepath.Join(f.opts.HostRoot, p)
		f.roots[full] = struct{}{}
		if _, err := os.Stat(full); err != nil {
			logger.L().Warning("file feed path missing, skipping",
				helpers.String("path", full),
				helpers.Error(err))
			continue
		}
		if err := watcher.Add(full); err != nil {
			logger.L().Warning("file feed watch failed",
				helpers.String("path", full),
				helpers.Error(err))
			continue
		}
		watched++
		logger.L().Debug("file feed watching", helpers.String("path", full))
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("file feed has no watchable paths")
	}

	f.watcher = watcher
	f.self = observerProcess()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.watchLoop()
	return nil
}

func (f *fsnotifyFeed) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
		_ = f.watcher.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *fsnotifyFeed) watchLoop() {
	defer f.wg.Done()
	ctx := f.ctx

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(ev)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logger.L().Warning("file feed watcher error", helpers.Error(err))
			f.metrics.ReportFeedFailure(hostfeed.FeedFile)
		}
	}
}

func (f *fsnotifyFeed) handleEvent(ev fsnotify.Event) {
	now := time.Now()
	switch {
	case ev.Op.Has(fsnotify.Create):
		rf, _ := statRawFile(ev.Name)
		rf.Path = stripHostRoot(f.opts.HostRoot, ev.Name)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyOpen,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Open: gateway.RawOpen{
				File:  rf,
				Flags: gateway.OpenCreate | gateway.OpenWrite,
			}},
		})
		// New directories under a watched one need their own watch.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := f.watcher.Add(ev.Name); err != nil {
				logger.L().Warning("file feed could not extend watch",
					helpers.String("path", ev.Name),
					helpers.Error(err))
			}
		}

	case ev.Op.Has(fsnotify.Write):
		rf, _ := statRawFile(ev.Name)
		rf.Path = stripHostRoot(f.opts.HostRoot, ev.Name)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyWrite,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Write: gateway.RawWrite{File: rf}},
		})

	case ev.Op.Has(fsnotify.Remove):
		path := stripHostRoot(f.opts.HostRoot, ev.Name)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyUnlink,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Unlink: gateway.RawUnlink{
				File:      gateway.RawFile{Path: path},
				ParentDir: filepath.Dir(path),
			}},
		})
		f.rootGone(ev.Name)

	case ev.Op.Has(fsnotify.Rename):
		// The watcher reports only the source of a rename; the
		// destination shows up as a separate create if watched.
		path := stripHostRoot(f.opts.HostRoot, ev.Name)
		f.inject(gatewayv1.Sample{
			Type:    gateway.NotifyRename,
			Time:    now,
			Process: f.self,
			Payload: gateway.RawPayload{Rename: gateway.RawRename{
				Source: gateway.RawFile{Path: path},
			}},
		})
		f.rootGone(ev.Name)

	case ev.Op.Has(fsnotify.Chmod):
		rf, err := statRawFile(ev.Name)
		if err != nil {
			// Raced a removal, the unlink sample covers it.
			return
		}
		mode := rf.Mode
		rf.Path = stripHostRoot(f.opts.HostRoot, ev.Name)
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

func (f *fsnotifyFeed) inject(s gatewayv1.Sample) {
	injectSample(f.injector, f.metrics, hostfeed.FeedFile, s)
}

// rootGone re-arms the watch when a configured root disappears, so a
// recreated directory resumes reporting without a feed restart.
func (f *fsnotifyFeed) rootGone(full string) {
	if _, ok := f.roots[full]; !ok {
		return
	}
	ctx := f.ctx
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			if _, err := os.Stat(full); err != nil {
				return err
			}
			return f.watcher.Add(full)
		}, b)
		if err != nil {
			logger.L().Warning("file feed could not re-arm root",
				helpers.String("path", full),
				helpers.Error(err))
			return
		}
		logger.L().Info("file feed re-armed root", helpers.String("path", full))
	}()
}
