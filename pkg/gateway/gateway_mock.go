package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/goradd/maps"
)

var _ Gateway = (*GatewayMock)(nil)

// GatewayMock is a recording gate for tests: it accepts one connection,
// tracks subscriptions and mute rules, and lets tests deliver raw events
// and inspect the responses the consumer produced.
type GatewayMock struct {
	// Failure injection, set before use.
	ConnectErr error
	MuteErr    error
	RespondErr error

	// GateVersion overrides the reported version (default tier 4).
	GateVersion *semver.Version

	// Recorded responses by token.
	Verdicts    maps.SafeMap[ResponseToken, Verdict]
	FlagsGiven  maps.SafeMap[ResponseToken, OpenFlags]
	CacheAsked  maps.SafeMap[ResponseToken, bool]
	ClearCalled atomic.Int32

	mutex     sync.RWMutex
	sink      EventSink
	id        ConnectionID
	subs      mapset.Set[EventType]
	rules     maps.SafeMap[string, MuteRule]
	inverted  maps.SafeMap[MuteDomain, bool]
	nextToken atomic.Uint64
}

func NewGatewayMock() *GatewayMock {
	return &GatewayMock{
		subs: mapset.NewSet[EventType](),
	}
}

func (m *GatewayMock) Connect(_ context.Context, sink EventSink) (ConnectionID, error) {
	if m.ConnectErr != nil {
		return "", m.ConnectErr
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sink = sink
	m.id = ConnectionID(uuid.NewString())
	return m.id, nil
}

func (m *GatewayMock) Disconnect(id ConnectionID) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sink = nil
	m.id = ""
	return nil
}

func (m *GatewayMock) Subscribe(id ConnectionID, events ...EventType) error {
	if err := m.check(id); err != nil {
		return err
	}
	for _, e := range events {
		m.subs.Add(e)
	}
	return nil
}

func (m *GatewayMock) Unsubscribe(id ConnectionID, events ...EventType) error {
	if err := m.check(id); err != nil {
		return err
	}
	for _, e := range events {
		m.subs.Remove(e)
	}
	return nil
}

func (m *GatewayMock) UnsubscribeAll(id ConnectionID) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.subs.Clear()
	return nil
}

func (m *GatewayMock) Subscriptions(id ConnectionID) ([]EventType, error) {
	if err := m.check(id); err != nil {
		return nil, err
	}
	return m.subs.ToSlice(), nil
}

func (m *GatewayMock) RespondVerdict(id ConnectionID, tok ResponseToken, v Verdict, cache bool) error {
	if err := m.check(id); err != nil {
		return err
	}
	if m.RespondErr != nil {
		return m.RespondErr
	}
	m.Verdicts.Set(tok, v)
	m.CacheAsked.Set(tok, cache)
	return nil
}

func (m *GatewayMock) RespondFlags(id ConnectionID, tok ResponseToken, allowed OpenFlags, cache bool) error {
	if err := m.check(id); err != nil {
		return err
	}
	if m.RespondErr != nil {
		return m.RespondErr
	}
	m.FlagsGiven.Set(tok, allowed)
	m.CacheAsked.Set(tok, cache)
	return nil
}

func (m *GatewayMock) Mute(id ConnectionID, rule MuteRule) error {
	if err := m.check(id); err != nil {
		return err
	}
	if m.MuteErr != nil {
		return m.MuteErr
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	m.rules.Set(rule.Key(), rule)
	return nil
}

func (m *GatewayMock) Unmute(id ConnectionID, rule MuteRule) error {
	if err := m.check(id); err != nil {
		return err
	}
	if m.MuteErr != nil {
		return m.MuteErr
	}
	if !m.rules.Has(rule.Key()) {
		return ErrRuleNotFound
	}
	m.rules.Delete(rule.Key())
	return nil
}

func (m *GatewayMock) MutedRules(id ConnectionID) ([]MuteRule, error) {
	if err := m.check(id); err != nil {
		return nil, err
	}
	return m.rules.Values(), nil
}

func (m *GatewayMock) InvertMuting(id ConnectionID, domain MuteDomain) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.inverted.Set(domain, !m.inverted.Get(domain))
	return nil
}

func (m *GatewayMock) MutingInverted(id ConnectionID, domain MuteDomain) (bool, error) {
	if err := m.check(id); err != nil {
		return false, err
	}
	return m.inverted.Get(domain), nil
}

func (m *GatewayMock) ClearCache(id ConnectionID) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.ClearCalled.Add(1)
	return nil
}

func (m *GatewayMock) Version() *semver.Version {
	if m.GateVersion != nil {
		return m.GateVersion
	}
	return Tier4.MinVersion()
}

// NextToken mints a response token for a test-built auth event.
func (m *GatewayMock) NextToken() ResponseToken {
	return ResponseToken(m.nextToken.Add(1))
}

// DeliverEvent hands the event to the registered sink, synchronously,
// the way gate workers would. No-op when nothing is connected.
func (m *GatewayMock) DeliverEvent(ev *RawEvent) {
	m.mutex.RLock()
	sink := m.sink
	m.mutex.RUnlock()
	if sink != nil {
		sink.Deliver(ev)
	}
}

// Connected reports whether a subscription is live.
func (m *GatewayMock) Connected() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sink != nil
}

// Subscribed reports whether the event type is currently subscribed.
func (m *GatewayMock) Subscribed(e EventType) bool {
	return m.subs.Contains(e)
}

func (m *GatewayMock) check(id ConnectionID) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.sink == nil || id != m.id {
		return ErrUnknownConnection
	}
	return nil
}
