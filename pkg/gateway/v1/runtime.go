// Package v1 is the in-process event gate runtime. Host feeds inject
// samples, the runtime fans them out to connected sinks through a
// worker pool, and authorization-class samples block their producer
// until every subscribed connection answered, a deadline passed, or the
// runtime shut down. Delivery buffers are pooled and zeroed after each
// callback, so sinks must never retain them.
package v1

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dghubble/trie"
	"github.com/google/uuid"
	"github.com/goradd/maps"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/panjf2000/ants/v2"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

var _ gateway.Gateway = (*Runtime)(nil)

// Options configures a Runtime. Zero values fall back to the defaults
// below; a zero CacheClearWindow disables clear throttling.
type Options struct {
	Version          string
	Workers          int
	MaxConnections   int
	AuthDeadline     time.Duration
	DefaultAllow     bool
	CacheSize        int
	CacheTTL         time.Duration
	CacheClearWindow time.Duration
	MaxPathLength    int
	HostRoot         string
}

func (o *Options) setDefaults() {
	if o.Version == "" {
		o.Version = "1.3.0"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 8
	}
	if o.AuthDeadline <= 0 {
		o.AuthDeadline = 5 * time.Second
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Minute
	}
	if o.MaxPathLength <= 0 {
		o.MaxPathLength = 1024
	}
}

// OptionsFromConfig maps the agent configuration onto runtime options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Version:          cfg.GateVersion,
		Workers:          cfg.GateWorkers,
		MaxConnections:   cfg.GateMaxConnections,
		AuthDeadline:     cfg.AuthDeadline,
		DefaultAllow:     cfg.AuthDefaultAllow,
		CacheSize:        cfg.DecisionCacheSize,
		CacheTTL:         cfg.DecisionCacheTTL,
		CacheClearWindow: cfg.DecisionCacheClearWindow,
		MaxPathLength:    cfg.MaxPathLength,
		HostRoot:         cfg.HostRoot,
	}
}

// Runtime implements gateway.Gateway in process.
type Runtime struct {
	opts    Options
	version *semver.Version
	tier    gateway.Tier
	metrics metricsmanager.MetricsManager

	pool      *ants.PoolWithFunc
	eventPool sync.Pool

	connMu sync.RWMutex
	conns  map[gateway.ConnectionID]*connection

	pending   maps.SafeMap[gateway.ResponseToken, *pendingAuth]
	nextToken atomic.Uint64
	globalSeq atomic.Uint64

	cache     *expirable.LRU[cacheKey, decision]
	lastClear atomic.Int64

	started time.Time
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// connection is the per-subscriber state: the sink, the subscription
// set, the delivery sequence and the mute configuration.
type connection struct {
	id   gateway.ConnectionID
	sink gateway.EventSink
	gone atomic.Bool

	subs mapset.Set[gateway.EventType]
	seq  atomic.Uint64

	muteMu         sync.RWMutex
	rules          map[string]gateway.MuteRule
	procRules      map[procKey][]gateway.MuteRule
	pathLiterals   map[string][]gateway.MuteRule
	pathPrefixes   *trie.PathTrie
	targetLiterals map[string][]gateway.MuteRule
	targetPrefixes *trie.PathTrie
	inverted       map[gateway.MuteDomain]bool
}

func newConnection(sink gateway.EventSink) *connection {
	return &connection{
		id:             gateway.ConnectionID(uuid.NewString()),
		sink:           sink,
		subs:           mapset.NewSet[gateway.EventType](),
		rules:          make(map[string]gateway.MuteRule),
		procRules:      make(map[procKey][]gateway.MuteRule),
		pathLiterals:   make(map[string][]gateway.MuteRule),
		pathPrefixes:   trie.NewPathTrie(),
		targetLiterals: make(map[string][]gateway.MuteRule),
		targetPrefixes: trie.NewPathTrie(),
		inverted:       make(map[gateway.MuteDomain]bool),
	}
}

// NewRuntime builds a runtime advertising the given gate version. The
// version decides the capability tier and the delivered message schema.
// A nil metrics manager falls back to the no-op mock.
func NewRuntime(opts Options, metrics metricsmanager.MetricsManager) (*Runtime, error) {
	opts.setDefaults()
	version, err := semver.NewVersion(opts.Version)
	if err != nil {
		return nil, fmt.Errorf("parsing gate version %q: %w", opts.Version, err)
	}
	tier := gateway.TierForVersion(version)
	if tier == 0 {
		return nil, fmt.Errorf("gate version %s predates the base capability floor: %w", version, gateway.ErrUnavailable)
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}

	r := &Runtime{
		opts:    opts,
		version: version,
		tier:    tier,
		metrics: metrics,
		conns:   make(map[gateway.ConnectionID]*connection),
		cache:   expirable.NewLRU[cacheKey, decision](opts.CacheSize, nil, opts.CacheTTL),
		started: time.Now(),
	}
	r.eventPool.New = func() interface{} {
		return new(gateway.RawEvent)
	}

	pool, err := ants.NewPoolWithFunc(opts.Workers, r.dispatch)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch pool: %w", err)
	}
	r.pool = pool

	logger.L().Debug("event gate runtime ready",
		helpers.String("version", version.String()),
		helpers.Int("tier", int(tier)),
		helpers.Int("workers", opts.Workers))
	return r, nil
}

// Version reports the advertised gate version.
func (r *Runtime) Version() *semver.Version {
	return r.version
}

// Tier reports the capability tier derived from the version.
func (r *Runtime) Tier() gateway.Tier {
	return r.tier
}

func (r *Runtime) Connect(_ context.Context, sink gateway.EventSink) (gateway.ConnectionID, error) {
	if r.stopped.Load() {
		return "", fmt.Errorf("connect: %w", gateway.ErrUnavailable)
	}
	if sink == nil {
		return "", fmt.Errorf("connect without a sink: %w", gateway.ErrInvalidArgument)
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if len(r.conns) >= r.opts.MaxConnections {
		return "", fmt.Errorf("connect: %d connections live: %w", len(r.conns), gateway.ErrTooManyClients)
	}
	c := newConnection(sink)
	r.conns[c.id] = c
	logger.L().Debug("gate connection opened", helpers.String("connection", string(c.id)))
	return c.id, nil
}

func (r *Runtime) Disconnect(id gateway.ConnectionID) error {
	r.connMu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.connMu.Unlock()
	if !ok {
		return fmt.Errorf("disconnect: %w", gateway.ErrUnknownConnection)
	}
	c.gone.Store(true)
	// Settle this connection's outstanding authorizations so producers
	// do not sit out the deadline against a dead subscriber.
	r.pending.Range(func(_ gateway.ResponseToken, p *pendingAuth) bool {
		if p.connID == id {
			r.resolve(p, r.defaultDecision(p), false, srcShutdown)
		}
		return true
	})
	logger.L().Debug("gate connection closed", helpers.String("connection", string(id)))
	return nil
}

func (r *Runtime) Subscribe(id gateway.ConnectionID, events ...gateway.EventType) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	for _, e := range events {
		if !e.Valid() {
			return fmt.Errorf("subscribe to event %d: %w", e, gateway.ErrInvalidArgument)
		}
		if need := e.MinTier(); !r.tier.Supports(need) {
			return fmt.Errorf("event %s needs tier %d, gate runs tier %d: %w", e, need, r.tier, gateway.ErrUnsupported)
		}
	}
	for _, e := range events {
		c.subs.Add(e)
	}
	return nil
}

func (r *Runtime) Unsubscribe(id gateway.ConnectionID, events ...gateway.EventType) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	for _, e := range events {
		if !e.Valid() {
			return fmt.Errorf("unsubscribe from event %d: %w", e, gateway.ErrInvalidArgument)
		}
	}
	for _, e := range events {
		c.subs.Remove(e)
	}
	return nil
}

func (r *Runtime) UnsubscribeAll(id gateway.ConnectionID) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	c.subs.Clear()
	return nil
}

func (r *Runtime) Subscriptions(id gateway.ConnectionID) ([]gateway.EventType, error) {
	c, err := r.conn(id)
	if err != nil {
		return nil, err
	}
	subs := c.subs.ToSlice()
	slices.Sort(subs)
	return subs, nil
}

// Close stops the runtime: connections drop, outstanding authorizations
// settle with the configured default, in-flight deliveries drain and
// the worker pool releases. Close is idempotent.
func (r *Runtime) Close() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.connMu.Lock()
	for id, c := range r.conns {
		c.gone.Store(true)
		delete(r.conns, id)
	}
	r.connMu.Unlock()

	r.pending.Range(func(_ gateway.ResponseToken, p *pendingAuth) bool {
		r.resolve(p, r.defaultDecision(p), false, srcShutdown)
		return true
	})
	r.wg.Wait()
	r.pool.Release()
	r.cache.Purge()
	logger.L().Debug("event gate runtime stopped")
}

func (r *Runtime) conn(id gateway.ConnectionID) (*connection, error) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, gateway.ErrUnknownConnection)
	}
	return c, nil
}

// subscribers snapshots the connections subscribed to the event type.
func (r *Runtime) subscribers(e gateway.EventType) []*connection {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	var out []*connection
	for _, c := range r.conns {
		if !c.gone.Load() && c.subs.Contains(e) {
			out = append(out, c)
		}
	}
	return out
}
