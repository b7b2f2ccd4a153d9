package v1

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

// decision is a settled authorization outcome. flags only carries
// meaning for flags-class events.
type decision struct {
	kind    gateway.ResponseKind
	verdict gateway.Verdict
	flags   gateway.OpenFlags
}

type cacheKey struct {
	event gateway.EventType
	path  string
}

// resolveSource names who settled a pending authorization.
type resolveSource uint8

const (
	srcResponse resolveSource = iota
	srcDeadline
	srcShutdown
)

// pendingAuth is one connection's share of an authorization event,
// addressed by the response token delivered with it.
type pendingAuth struct {
	token  gateway.ResponseToken
	connID gateway.ConnectionID
	event  gateway.EventType
	kind   gateway.ResponseKind
	path   string
	flags  gateway.OpenFlags

	group    *authGroup
	timer    *time.Timer
	answered atomic.Bool
	done     chan struct{}
}

// authGroup aggregates the per-connection shares of one authorization:
// the most restrictive answer wins, and the sample's decision callback
// fires once every share settled.
type authGroup struct {
	mu         sync.Mutex
	remaining  int
	kind       gateway.ResponseKind
	requested  gateway.OpenFlags
	verdict    gateway.Verdict
	flags      gateway.OpenFlags
	onDecision func(gateway.Verdict, gateway.OpenFlags)
}

func newAuthGroup(shares int, e gateway.EventType, requested gateway.OpenFlags, onDecision func(gateway.Verdict, gateway.OpenFlags)) *authGroup {
	return &authGroup{
		remaining:  shares,
		kind:       e.Response(),
		requested:  requested,
		verdict:    gateway.VerdictAllow,
		flags:      requested,
		onDecision: onDecision,
	}
}

// settle folds one share into the aggregate outcome.
func (g *authGroup) settle(d decision) {
	g.mu.Lock()
	if d.verdict == gateway.VerdictDeny {
		g.verdict = gateway.VerdictDeny
	}
	g.flags &= d.flags
	g.remaining--
	fire := g.remaining == 0
	verdict, flags := g.verdict, g.flags
	if fire && g.kind == gateway.ResponseFlags && g.requested&^flags != 0 {
		verdict = gateway.VerdictDeny
	}
	g.mu.Unlock()
	if fire && g.onDecision != nil {
		g.onDecision(verdict, flags)
	}
}

// neutral is the share of a connection that never saw the event (muted,
// gone, or raced shutdown): it does not restrict the outcome.
func (g *authGroup) neutral() decision {
	return decision{kind: g.kind, verdict: gateway.VerdictAllow, flags: g.requested}
}

// dispatchTask is one delivery unit: one sample to one connection.
type dispatchTask struct {
	conn   *connection
	sample *Sample
	group  *authGroup
}

// Inject offers one sample to the gate. Notification-class samples fan
// out to every subscribed connection and return immediately.
// Authorization-class samples additionally run the decision machinery:
// a cached decision answers without delivery, no subscriber means the
// operation proceeds unexamined, and otherwise OnDecision fires once
// every subscribed connection responded or timed out.
func (r *Runtime) Inject(s Sample) error {
	if r.stopped.Load() {
		return fmt.Errorf("inject: %w", gateway.ErrUnavailable)
	}
	if err := s.validate(); err != nil {
		return err
	}
	if need := s.Type.MinTier(); !r.tier.Supports(need) {
		return fmt.Errorf("event %s needs tier %d, gate runs tier %d: %w", s.Type, need, r.tier, gateway.ErrUnsupported)
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	r.normalizeSample(&s)

	auth := s.Type.Action() == gateway.ActionAuth
	if auth {
		if d, ok := r.cachedDecision(&s); ok {
			r.metrics.ReportCacheHit()
			r.metrics.ReportResponse(d.verdict, true)
			if s.OnDecision != nil {
				s.OnDecision(d.verdict, d.flags)
			}
			return nil
		}
	}

	targets := r.subscribers(s.Type)
	if len(targets) == 0 {
		if auth && s.OnDecision != nil {
			s.OnDecision(gateway.VerdictAllow, s.Payload.Open.Flags)
		}
		return nil
	}

	var group *authGroup
	if auth {
		group = newAuthGroup(len(targets), s.Type, s.Payload.Open.Flags, s.OnDecision)
	}
	sample := &s
	for _, c := range targets {
		r.wg.Add(1)
		if err := r.pool.Invoke(&dispatchTask{conn: c, sample: sample, group: group}); err != nil {
			r.wg.Done()
			if group != nil {
				group.settle(group.neutral())
			}
			logger.L().Warning("dispatch pool refused delivery",
				helpers.String("event", s.Type.String()),
				helpers.Error(err))
		}
	}
	return nil
}

// dispatch runs on the worker pool, one invocation per delivery.
func (r *Runtime) dispatch(i interface{}) {
	defer r.wg.Done()
	t := i.(*dispatchTask)
	c, s := t.conn, t.sample

	if c.gone.Load() || r.stopped.Load() {
		if t.group != nil {
			t.group.settle(t.group.neutral())
		}
		return
	}
	if c.muted(s) {
		r.metrics.ReportMuteDrop()
		if t.group != nil {
			t.group.settle(t.group.neutral())
		}
		return
	}

	ev := r.eventPool.Get().(*gateway.RawEvent)
	r.fill(ev, c, s)

	var p *pendingAuth
	if t.group != nil {
		p = r.registerPending(ev, c, t.group)
	}

	r.metrics.ReportEvent(s.Type)
	c.sink.Deliver(ev)

	if p != nil {
		// Block the producing path until the share settles, the way
		// the kernel side of a real gate would.
		<-p.done
	}

	// Poison the buffer before recycling it so a sink that illegally
	// retained it reads zeroes, not the next event.
	ev.Reset()
	r.eventPool.Put(ev)
}

// fill builds the delivered view from the sample, gating fields on the
// schema version the tier carries.
func (r *Runtime) fill(ev *gateway.RawEvent, c *connection, s *Sample) {
	schema := r.tier.Schema()
	ev.ID = uuid.New()
	ev.Type = s.Type
	ev.SchemaVersion = schema
	ev.Time = s.Time
	ev.Uptime = time.Since(r.started)
	if schema >= gateway.SchemaV2 {
		ev.SeqNum = c.seq.Add(1)
	}
	if schema >= gateway.SchemaV4 {
		ev.GlobalSeqNum = r.globalSeq.Add(1)
		// Synthetic producer thread identity, stable per message.
		ev.ThreadID = binary.LittleEndian.Uint64(ev.ID[:8])
	}
	ev.Process = s.Process
	if schema < gateway.SchemaV2 {
		ev.Process.TTY = ""
	}
	if schema < gateway.SchemaV3 {
		ev.Process.StartTime = time.Time{}
	}
	if schema < gateway.SchemaV4 {
		ev.Process.ParentToken = identity.Token{}
		ev.Process.ResponsibleToken = identity.Token{}
	}
	ev.Payload = s.Payload
}

func (r *Runtime) registerPending(ev *gateway.RawEvent, c *connection, g *authGroup) *pendingAuth {
	tok := gateway.ResponseToken(r.nextToken.Add(1))
	p := &pendingAuth{
		token:  tok,
		connID: c.id,
		event:  ev.Type,
		kind:   ev.Type.Response(),
		path:   ev.TargetPath(),
		flags:  ev.Payload.Open.Flags,
		group:  g,
		done:   make(chan struct{}),
	}
	ev.Token = tok
	ev.Deadline = time.Now().Add(r.opts.AuthDeadline)
	r.pending.Set(tok, p)
	if r.stopped.Load() {
		// Shutdown raced the registration; settle right away instead
		// of leaving a share nobody will resolve.
		r.resolve(p, r.defaultDecision(p), false, srcShutdown)
		return p
	}
	p.timer = time.AfterFunc(r.opts.AuthDeadline, func() {
		r.resolve(p, r.defaultDecision(p), false, srcDeadline)
	})
	return p
}

// resolve settles one share exactly once. It reports false when the
// share was already answered.
func (r *Runtime) resolve(p *pendingAuth, d decision, cacheIt bool, src resolveSource) bool {
	if !p.answered.CompareAndSwap(false, true) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	r.pending.Delete(p.token)

	switch src {
	case srcResponse:
		r.metrics.ReportResponse(d.verdict, false)
		if cacheIt {
			r.cacheDecision(p, d)
		}
	case srcDeadline:
		r.metrics.ReportDeadlineDefault()
		logger.L().Debug("authorization deadline passed, default applied",
			helpers.String("event", p.event.String()),
			helpers.String("verdict", d.verdict.String()))
	case srcShutdown:
	}

	close(p.done)
	p.group.settle(d)
	return true
}

// defaultDecision is what an unanswered share settles with.
func (r *Runtime) defaultDecision(p *pendingAuth) decision {
	d := decision{kind: p.kind, verdict: gateway.VerdictDeny}
	if r.opts.DefaultAllow {
		d.verdict = gateway.VerdictAllow
		d.flags = p.flags
	}
	return d
}

func (r *Runtime) RespondVerdict(id gateway.ConnectionID, tok gateway.ResponseToken, v gateway.Verdict, cache bool) error {
	if _, err := r.conn(id); err != nil {
		return err
	}
	if v != gateway.VerdictAllow && v != gateway.VerdictDeny {
		return fmt.Errorf("verdict %d: %w", v, gateway.ErrInvalidArgument)
	}
	p, err := r.claim(id, tok, gateway.ResponseVerdict)
	if err != nil {
		return err
	}
	if !r.resolve(p, decision{kind: gateway.ResponseVerdict, verdict: v}, cache, srcResponse) {
		return fmt.Errorf("token %d: %w", tok, gateway.ErrDuplicateResponse)
	}
	return nil
}

func (r *Runtime) RespondFlags(id gateway.ConnectionID, tok gateway.ResponseToken, allowed gateway.OpenFlags, cache bool) error {
	if _, err := r.conn(id); err != nil {
		return err
	}
	p, err := r.claim(id, tok, gateway.ResponseFlags)
	if err != nil {
		return err
	}
	d := decision{kind: gateway.ResponseFlags, verdict: gateway.VerdictAllow, flags: allowed}
	if p.flags&^allowed != 0 {
		d.verdict = gateway.VerdictDeny
	}
	if !r.resolve(p, d, cache, srcResponse) {
		return fmt.Errorf("token %d: %w", tok, gateway.ErrDuplicateResponse)
	}
	return nil
}

// claim looks a pending share up and checks ownership and answer shape.
func (r *Runtime) claim(id gateway.ConnectionID, tok gateway.ResponseToken, kind gateway.ResponseKind) (*pendingAuth, error) {
	p := r.pending.Get(tok)
	if p == nil {
		if tok == 0 || uint64(tok) > r.nextToken.Load() {
			return nil, fmt.Errorf("token %d: %w", tok, gateway.ErrUnknownToken)
		}
		// The token was minted but is no longer pending, so somebody
		// already settled it.
		return nil, fmt.Errorf("token %d: %w", tok, gateway.ErrDuplicateResponse)
	}
	if p.connID != id {
		return nil, fmt.Errorf("token %d belongs to another connection: %w", tok, gateway.ErrUnknownToken)
	}
	if p.kind != kind {
		return nil, fmt.Errorf("event %s expects a %s response: %w", p.event, responseKindName(p.kind), gateway.ErrWrongResponseKind)
	}
	return p, nil
}

func responseKindName(k gateway.ResponseKind) string {
	if k == gateway.ResponseFlags {
		return "flags"
	}
	return "verdict"
}

// cacheDecision stores an explicitly answered decision for the event's
// target path. Defaults applied at the deadline are never cached.
func (r *Runtime) cacheDecision(p *pendingAuth, d decision) {
	if p.path == "" {
		return
	}
	r.cache.Add(cacheKey{event: p.event, path: p.path}, d)
}

// cachedDecision answers an authorization sample from the decision
// cache. Flags entries satisfy a request only when every requested bit
// was previously authorized.
func (r *Runtime) cachedDecision(s *Sample) (decision, bool) {
	path := gateway.TargetPath(s.Type, &s.Payload)
	if path == "" {
		return decision{}, false
	}
	d, ok := r.cache.Get(cacheKey{event: s.Type, path: path})
	if !ok {
		return decision{}, false
	}
	if d.kind == gateway.ResponseFlags {
		if s.Payload.Open.Flags&^d.flags != 0 {
			return decision{}, false
		}
		return decision{kind: d.kind, verdict: gateway.VerdictAllow, flags: d.flags}, true
	}
	return d, true
}

// ClearCache drops every cached decision. Repeated calls inside the
// configured window are throttled.
func (r *Runtime) ClearCache(id gateway.ConnectionID) error {
	if _, err := r.conn(id); err != nil {
		return err
	}
	if window := int64(r.opts.CacheClearWindow); window > 0 {
		now := time.Now().UnixNano()
		last := r.lastClear.Load()
		if now-last < window || !r.lastClear.CompareAndSwap(last, now) {
			return fmt.Errorf("cache cleared %s ago: %w", time.Duration(now-last), gateway.ErrCacheThrottled)
		}
	}
	r.cache.Purge()
	logger.L().Debug("decision cache cleared", helpers.String("connection", string(id)))
	return nil
}
