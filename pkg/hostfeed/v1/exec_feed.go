// Package v1 implements the host feeds: a procfs poller for process
// lifecycles, inotify and fanotify watchers for file activity, and a
// mount table poller. Feeds speak to the gate runtime through the
// injector interface, so tests can swap in a recorder.
package v1

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/procfs"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/identity"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// ExecFeedOptions configures the procfs exec feed.
type ExecFeedOptions struct {
	Interval time.Duration
	ProcPath string
}

func (o *ExecFeedOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.ProcPath == "" {
		o.ProcPath = "/proc"
	}
}

// ExecFeed polls procfs and turns process appearances into exec
// samples and disappearances into exit samples. A pid whose start time
// changed between scans counts as both: the old incarnation exited and
// a new one took its place.
type ExecFeed struct {
	injector hostfeed.Injector
	metrics  metricsmanager.MetricsManager
	opts     ExecFeedOptions

	fs     procfs.FS
	known  map[int32]procSnapshot
	primed bool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

var _ hostfeed.Feed = (*ExecFeed)(nil)

// procSnapshot is what a later exit sample can still truthfully say
// about a process that is gone.
type procSnapshot struct {
	start uint64
	ppid  int32
	token identity.Token
	exe   string
}

// startedProc pairs a live proc handle with the stat that flagged it,
// so the emit path does not race a second read.
type startedProc struct {
	proc procfs.Proc
	stat procfs.ProcStat
}

func NewExecFeed(opts ExecFeedOptions, injector hostfeed.Injector, metrics metricsmanager.MetricsManager) *ExecFeed {
	opts.setDefaults()
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	return &ExecFeed{
		injector: injector,
		metrics:  metrics,
		opts:     opts,
	}
}

// Start begins the polling loop.
func (f *ExecFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// cancel doubles as the running guard.
	if f.cancel != nil {
		return fmt.Errorf("exec feed already started")
	}

	fs, err := procfs.NewFS(f.opts.ProcPath)
	if err != nil {
		return fmt.Errorf("open procfs at %s: %w", f.opts.ProcPath, err)
	}
	f.fs = fs
	f.known = make(map[int32]procSnapshot)
	f.primed = false

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.feedLoop()

	logger.L().Debug("exec feed started",
		helpers.String("procPath", f.opts.ProcPath),
		helpers.String("interval", f.opts.Interval.String()))
	return nil
}

// Stop halts polling and waits for the loop to drain.
func (f *ExecFeed) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *ExecFeed) feedLoop() {
	defer f.wg.Done()
	ctx := f.ctx

	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	// The first scan only primes the ledger; samples start with the
	// transitions the second one sees.
	f.scan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.scan()
		}
	}
}

func (f *ExecFeed) scan() {
	procs, err := f.fs.AllProcs()
	if err != nil {
		logger.L().Warning("exec feed failed to list processes", helpers.Error(err))
		f.metrics.ReportFeedFailure(hostfeed.FeedExec)
		return
	}

	seen := make(map[int32]procSnapshot, len(procs))
	var started []startedProc
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Exited between the listing and the read.
			continue
		}
		pid := int32(p.PID)
		if prev, ok := f.known[pid]; ok && prev.start == stat.Starttime {
			// Same incarnation, keep the snapshot instead of
			// re-reading status and exe every tick.
			seen[pid] = prev
			continue
		}
		seen[pid] = f.snapshot(p, stat)
		if f.primed {
			started = append(started, startedProc{proc: p, stat: stat})
		}
	}

	var exited []procSnapshot
	if f.primed {
		for pid, prev := range f.known {
			if cur, ok := seen[pid]; !ok || cur.start != prev.start {
				exited = append(exited, prev)
			}
		}
	}

	wasPrimed := f.primed
	f.known = seen
	f.primed = true
	if !wasPrimed {
		return
	}

	for _, prev := range exited {
		f.emitExit(prev)
	}
	for _, sp := range started {
		f.emitExec(sp, seen[int32(sp.proc.PID)])
	}
}

func (f *ExecFeed) snapshot(p procfs.Proc, stat procfs.ProcStat) procSnapshot {
	pid := int32(p.PID)
	tok := identity.Token{
		PID:        pid,
		PIDVersion: identity.VersionFromStart(stat.Starttime),
		SessionID:  uint32(stat.Session),
	}
	if status, err := p.NewStatus(); err == nil {
		tok.RUID = uint32(status.UIDs[0])
		tok.EUID = uint32(status.UIDs[1])
		tok.RGID = uint32(status.GIDs[0])
		tok.EGID = uint32(status.GIDs[1])
		// The audit uid is not in status; the real uid is the
		// closest stand-in.
		tok.AUID = tok.RUID
	}
	snap := procSnapshot{
		start: stat.Starttime,
		ppid:  int32(stat.PPID),
		token: tok,
	}
	if exe, err := p.Executable(); err == nil {
		snap.exe = exe
	}
	return snap
}

func (f *ExecFeed) emitExec(sp startedProc, snap procSnapshot) {
	proc := gateway.RawProcess{
		Token:        snap.token,
		PPID:         snap.ppid,
		OriginalPPID: snap.ppid,
		GroupID:      int32(sp.stat.PGRP),
		SessionID:    int32(sp.stat.Session),
		GateClient:   snap.token.PID == int32(os.Getpid()),
		Executable:   gateway.RawFile{Path: snap.exe},
	}
	if secs, err := sp.stat.StartTime(); err == nil {
		proc.StartTime = time.Unix(int64(secs), 0)
	}
	// Parents usually predate their children in the ledger; a parent
	// first seen in the same scan stays a zero token.
	if psnap, ok := f.known[snap.ppid]; ok {
		proc.ParentToken = psnap.token
		proc.ResponsibleToken = psnap.token
	}

	exec := gateway.RawExec{
		Executable: gateway.RawFile{Path: snap.exe},
	}
	if args, err := sp.proc.CmdLine(); err == nil && len(args) > 0 {
		exec.Args = args
	} else {
		exec.Args = []string{sp.stat.Comm}
	}
	if env, err := sp.proc.Environ(); err == nil {
		exec.Env = env
	}
	if cwd, err := sp.proc.Cwd(); err == nil {
		exec.CWD = cwd
	}

	injectSample(f.injector, f.metrics, hostfeed.FeedExec, gatewayv1.Sample{
		Type:    gateway.NotifyExec,
		Time:    time.Now(),
		Process: proc,
		Payload: gateway.RawPayload{Exec: exec},
	})
}

func (f *ExecFeed) emitExit(prev procSnapshot) {
	injectSample(f.injector, f.metrics, hostfeed.FeedExec, gatewayv1.Sample{
		Type: gateway.NotifyExit,
		Time: time.Now(),
		Process: gateway.RawProcess{
			Token:        prev.token,
			PPID:         prev.ppid,
			OriginalPPID: prev.ppid,
			SessionID:    int32(prev.token.SessionID),
			Executable:   gateway.RawFile{Path: prev.exe},
		},
		// A poller cannot observe the wait status, so Exit carries
		// the zero value.
		Payload: gateway.RawPayload{Exit: gateway.RawExit{}},
	})
}
