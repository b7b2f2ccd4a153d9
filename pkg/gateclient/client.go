// Package gateclient is the lifetime-safe client over the host security
// event gate. A Client owns exactly one gate subscription; its handler
// runs once per delivered event with a Message whose validity ends when
// the handler returns. Messages and the views derived from them carry a
// runtime scope token: touching one after its callback returned panics
// with *ScopeError instead of silently reading a recycled buffer.
package gateclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goradd/maps"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"go.uber.org/multierr"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// SetupFunc wires a not-yet-active Client: subscriptions, mute rules,
// and exactly one handler through the install capability. The
// capability dies when setup returns.
type SetupFunc func(c *Client, install *HandlerInstall) error

// Handler runs once per delivered event. The gate invokes it
// concurrently from its own workers, so captured mutable state must be
// synchronized by the caller. For authorization-class messages the
// handler answers via Message.Respond/RespondFlags or by returning
// Decide; returning Done from an auth delivery triggers the
// conservative auto-deny.
type Handler func(c *Client, m *Message) HandlerOutcome

// HandlerOutcome optionally carries the handler's authorization
// decision.
type HandlerOutcome struct {
	decided bool
	result  AuthResult
}

// Done reports that the handler finished without a decision.
func Done() HandlerOutcome {
	return HandlerOutcome{}
}

// Decide carries a decision for the dispatch path to apply. On
// flags-class events an allow grants the requested flags and a deny
// grants none.
func Decide(r AuthResult) HandlerOutcome {
	return HandlerOutcome{decided: true, result: r}
}

// AuthResult is the handler's answer to an authorization-class event.
type AuthResult struct {
	verdict gateway.Verdict
	cache   bool
}

// Allow permits the operation.
func Allow() AuthResult {
	return AuthResult{verdict: gateway.VerdictAllow}
}

// AllowCaching permits the operation and asks the gate to reuse the
// decision for matching future events.
func AllowCaching() AuthResult {
	return AuthResult{verdict: gateway.VerdictAllow, cache: true}
}

// Deny refuses the operation.
func Deny() AuthResult {
	return AuthResult{verdict: gateway.VerdictDeny}
}

// Options tunes a Client at construction.
type Options struct {
	// AllowPIDIdentity opts in to IdentityFromPID. Off by default:
	// deriving identity from a caller-supplied pid trusts that pid, so
	// the capability is explicit.
	AllowPIDIdentity bool

	// Metrics receives client-side observations (auto-denies). Nil
	// falls back to the no-op mock.
	Metrics metricsmanager.MetricsManager
}

// Stats are the client's delivery counters.
type Stats struct {
	Delivered  uint64
	Responded  uint64
	AutoDenied uint64
}

// Client owns one gate subscription. All methods are safe for
// concurrent use, including from inside the handler.
type Client struct {
	gw      gateway.Gateway
	id      gateway.ConnectionID
	tier    gateway.Tier
	opts    Options
	metrics metricsmanager.MetricsManager

	handler Handler
	active  atomic.Bool

	// mirror holds the rules this client installed, for inspection and
	// convenience removal. The gate stays the source of truth.
	mirror maps.SafeMap[string, gateway.MuteRule]

	flight    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	delivered  atomic.Uint64
	responded  atomic.Uint64
	autoDenied atomic.Uint64
}

// HandlerInstall is the setup-scoped capability that registers the
// event handler. Install works only until setup returns.
type HandlerInstall struct {
	c    *Client
	open atomic.Bool
}

// Install registers the handler. At most one handler per client;
// calling after setup returned fails with ErrSetupOver.
func (h *HandlerInstall) Install(fn Handler) error {
	if !h.open.Load() {
		return &ClientError{Kind: ErrSetupOver}
	}
	if fn == nil {
		return &ClientError{Kind: ErrHandlerMissing, Err: gateway.ErrInvalidArgument}
	}
	if h.c.handler != nil {
		return &ClientError{Kind: ErrHandlerInstalled}
	}
	h.c.handler = fn
	return nil
}

// New connects to the gate and runs setup against the not-yet-active
// Client. Deliveries begin only after setup returns successfully with a
// handler installed. Any failure tears the connection down and leaves
// no live subscription; the returned *ClientError carries ErrConnection
// (wrapping the gate's refusal), ErrSetup (wrapping the setup error),
// or ErrHandlerMissing.
func New(ctx context.Context, gw gateway.Gateway, opts Options, setup SetupFunc) (*Client, error) {
	if gw == nil {
		return nil, &ClientError{Kind: ErrConnection, Err: fmt.Errorf("nil gateway: %w", gateway.ErrInvalidArgument)}
	}
	if setup == nil {
		return nil, &ClientError{Kind: ErrHandlerMissing, Err: fmt.Errorf("nil setup: %w", gateway.ErrInvalidArgument)}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}

	c := &Client{
		gw:      gw,
		tier:    gateway.TierForVersion(gw.Version()),
		opts:    opts,
		metrics: metrics,
	}

	id, err := gw.Connect(ctx, clientSink{c: c})
	if err != nil {
		return nil, &ClientError{Kind: ErrConnection, Err: err}
	}
	c.id = id

	install := &HandlerInstall{c: c}
	install.open.Store(true)
	if err := setup(c, install); err != nil {
		install.open.Store(false)
		c.abandon()
		return nil, &ClientError{Kind: ErrSetup, Err: err}
	}
	install.open.Store(false)
	if c.handler == nil {
		c.abandon()
		return nil, &ClientError{Kind: ErrHandlerMissing}
	}

	c.active.Store(true)
	logger.L().Debug("gate client live",
		helpers.String("connection", string(id)),
		helpers.Int("tier", int(c.tier)))
	return c, nil
}

// abandon tears down a half-constructed client.
func (c *Client) abandon() {
	c.closed.Store(true)
	if err := c.gw.Disconnect(c.id); err != nil {
		logger.L().Warning("disconnecting refused client", helpers.Error(err))
	}
}

// Tier reports the capability tier of the connected gate.
func (c *Client) Tier() gateway.Tier {
	return c.tier
}

// Stats snapshots the delivery counters.
func (c *Client) Stats() Stats {
	return Stats{
		Delivered:  c.delivered.Load(),
		Responded:  c.responded.Load(),
		AutoDenied: c.autoDenied.Load(),
	}
}

// Subscribe adds event types to the subscription. Types above the
// gate's capability tier are refused eagerly with ErrUnsupported.
func (c *Client) Subscribe(events ...gateway.EventType) error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	for _, e := range events {
		if need := e.MinTier(); !c.tier.Supports(need) {
			return &MuteError{Op: "subscribe", Err: fmt.Errorf("event %s needs tier %d, gate runs tier %d: %w", e, need, c.tier, gateway.ErrUnsupported)}
		}
	}
	if err := c.gw.Subscribe(c.id, events...); err != nil {
		return &MuteError{Op: "subscribe", Err: err}
	}
	return nil
}

func (c *Client) Unsubscribe(events ...gateway.EventType) error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	if err := c.gw.Unsubscribe(c.id, events...); err != nil {
		return &MuteError{Op: "unsubscribe", Err: err}
	}
	return nil
}

func (c *Client) UnsubscribeAll() error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	if err := c.gw.UnsubscribeAll(c.id); err != nil {
		return &MuteError{Op: "unsubscribe all", Err: err}
	}
	return nil
}

func (c *Client) Subscriptions() ([]gateway.EventType, error) {
	if c.closed.Load() {
		return nil, &ClientError{Kind: ErrClientClosed}
	}
	subs, err := c.gw.Subscriptions(c.id)
	if err != nil {
		return nil, &MuteError{Op: "subscriptions", Err: err}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	return subs, nil
}

// ClearCache drops the gate's cached authorization decisions. The gate
// may throttle repeated calls (ErrCacheThrottled).
func (c *Client) ClearCache() error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	return c.gw.ClearCache(c.id)
}

// IdentityFromPID derives the identity token of a live process. Gated
// by Options.AllowPIDIdentity.
func (c *Client) IdentityFromPID(pid int32) (identity.Token, error) {
	if c.closed.Load() {
		return identity.Token{}, &ClientError{Kind: ErrClientClosed}
	}
	if !c.opts.AllowPIDIdentity {
		return identity.Token{}, ErrPIDIdentityDisabled
	}
	return identity.FromPID(pid)
}

// Close tears the subscription down: no new deliveries start, in-flight
// handler invocations finish, then the connection is released.
// Idempotent; secondary failures are aggregated and also logged, since
// no recovery is possible mid-teardown.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		var errs error
		if err := c.gw.UnsubscribeAll(c.id); err != nil && !errors.Is(err, gateway.ErrUnknownConnection) {
			errs = multierr.Append(errs, err)
		}
		if err := c.gw.Disconnect(c.id); err != nil && !errors.Is(err, gateway.ErrUnknownConnection) {
			errs = multierr.Append(errs, err)
		}
		// Every in-flight delivery holds the read side for the extent
		// of its callback.
		c.flight.Lock()
		c.active.Store(false)
		c.flight.Unlock()
		c.closeErr = errs
		if errs != nil {
			logger.L().Warning("client teardown incomplete", helpers.Error(errs))
		} else {
			logger.L().Debug("gate client closed", helpers.String("connection", string(c.id)))
		}
	})
	return c.closeErr
}

// clientSink adapts the Client to the gate's delivery interface.
type clientSink struct {
	c *Client
}

func (s clientSink) Deliver(ev *gateway.RawEvent) {
	s.c.deliver(ev)
}

func (c *Client) deliver(ev *gateway.RawEvent) {
	if c.closed.Load() || !c.active.Load() {
		// Nothing to do: the gate's own deadline machinery settles
		// authorization events we skip.
		return
	}
	c.flight.RLock()
	defer c.flight.RUnlock()
	if c.closed.Load() {
		return
	}

	sc := newScope()
	m := &Message{
		ev:           ev,
		c:            c,
		sc:           sc,
		authorizable: ev.Action() == gateway.ActionAuth && ev.Token != 0,
	}
	c.delivered.Add(1)

	defer func() {
		// Order matters: close the scope so retained views die, then
		// settle the authorization. Runs even if the handler panics,
		// so the producer is never left blocked.
		sc.close()
		c.settleAuth(m)
	}()

	out := c.handler(c, m)
	if m.authorizable && out.decided && !m.responded.Load() {
		if err := m.applyResult(out.result); err != nil {
			logger.L().Debug("handler outcome not applied",
				helpers.String("event", ev.Type.String()),
				helpers.Error(err))
		}
	}
}

// settleAuth issues the conservative default for an authorization the
// handler left unanswered.
func (c *Client) settleAuth(m *Message) {
	if !m.authorizable || !m.responded.CompareAndSwap(false, true) {
		return
	}
	var err error
	if m.ev.Type.Response() == gateway.ResponseFlags {
		err = c.gw.RespondFlags(c.id, m.ev.Token, 0, false)
	} else {
		err = c.gw.RespondVerdict(c.id, m.ev.Token, gateway.VerdictDeny, false)
	}
	if err != nil && !errors.Is(err, gateway.ErrDuplicateResponse) {
		logger.L().Warning("auto deny not delivered",
			helpers.String("event", m.ev.Type.String()),
			helpers.Error(err))
	}
	c.autoDenied.Add(1)
	c.metrics.ReportAutoDeny()
	logger.L().Debug("authorization auto-denied", helpers.String("event", m.ev.Type.String()))
}
