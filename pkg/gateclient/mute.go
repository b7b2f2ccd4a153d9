package gateclient

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

// Mute installs a rule suppressing delivery of matching events. The
// effect is immediate in the gate and applies to future deliveries
// only; rules above the gate's capability tier are refused eagerly with
// ErrUnsupported. The client mirrors accepted rules for MutedRules and
// UnmuteAllPaths; the gate stays the source of truth.
func (c *Client) Mute(rule gateway.MuteRule) error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	if err := rule.Validate(); err != nil {
		return &MuteError{Op: "mute", Err: err}
	}
	if rule.Kind == gateway.MuteByPath {
		rule.Path = filepath.Clean(rule.Path)
	}
	if need := rule.MinTier(); !c.tier.Supports(need) {
		return &MuteError{Op: "mute", Err: fmt.Errorf("%s rule needs tier %d, gate runs tier %d: %w", rule.Kind, need, c.tier, gateway.ErrUnsupported)}
	}
	if err := c.gw.Mute(c.id, rule); err != nil {
		return &MuteError{Op: "mute", Err: err}
	}
	c.mirror.Set(rule.Key(), rule)
	return nil
}

// Unmute removes a previously installed rule. ErrRuleNotFound when the
// gate does not hold it; the local mirror is reconciled either way.
func (c *Client) Unmute(rule gateway.MuteRule) error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	if err := rule.Validate(); err != nil {
		return &MuteError{Op: "unmute", Err: err}
	}
	if rule.Kind == gateway.MuteByPath {
		rule.Path = filepath.Clean(rule.Path)
	}
	err := c.gw.Unmute(c.id, rule)
	if err == nil || errors.Is(err, gateway.ErrRuleNotFound) {
		c.mirror.Delete(rule.Key())
	}
	if err != nil {
		return &MuteError{Op: "unmute", Err: err}
	}
	return nil
}

// MuteProcess suppresses every event from one process.
func (c *Client) MuteProcess(tok identity.Token) error {
	return c.Mute(gateway.MuteProcessRule(tok))
}

func (c *Client) UnmuteProcess(tok identity.Token) error {
	return c.Unmute(gateway.MuteProcessRule(tok))
}

// MutePath suppresses events by path with the given match mode.
func (c *Client) MutePath(path string, match gateway.PathMatch) error {
	return c.Mute(gateway.MutePathRule(path, match))
}

func (c *Client) UnmutePath(path string, match gateway.PathMatch) error {
	return c.Unmute(gateway.MutePathRule(path, match))
}

// MuteProcessEvents suppresses only the listed event types from one
// process. Event-restricted rules need tier 4.
func (c *Client) MuteProcessEvents(tok identity.Token, events ...gateway.EventType) error {
	rule := gateway.MuteProcessRule(tok)
	rule.Events = events
	return c.Mute(rule)
}

// MutePathEvents suppresses only the listed event types for one path
// rule. Event-restricted rules need tier 4.
func (c *Client) MutePathEvents(path string, match gateway.PathMatch, events ...gateway.EventType) error {
	rule := gateway.MutePathRule(path, match)
	rule.Events = events
	return c.Mute(rule)
}

// UnmuteAllPaths removes every path rule this client installed.
// Failures are aggregated; rules the gate no longer holds are dropped
// from the mirror silently.
func (c *Client) UnmuteAllPaths() error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	var errs error
	for _, rule := range c.mirror.Values() {
		if rule.Kind != gateway.MuteByPath {
			continue
		}
		err := c.gw.Unmute(c.id, rule)
		if err == nil || errors.Is(err, gateway.ErrRuleNotFound) {
			c.mirror.Delete(rule.Key())
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("unmute %s: %w", rule.Path, err))
	}
	if errs != nil {
		return &MuteError{Op: "unmute all paths", Err: errs}
	}
	return nil
}

// MutedRules lists the rules this client installed, from the local
// mirror. Sorted by canonical key for stable output.
func (c *Client) MutedRules() []gateway.MuteRule {
	rules := c.mirror.Values()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key() < rules[j].Key() })
	return rules
}

// MutedProcesses lists the processes the gate currently mutes for this
// connection. Gate truth, not the mirror.
func (c *Client) MutedProcesses() ([]identity.Token, error) {
	if c.closed.Load() {
		return nil, &ClientError{Kind: ErrClientClosed}
	}
	rules, err := c.gw.MutedRules(c.id)
	if err != nil {
		return nil, &MuteError{Op: "muted processes", Err: err}
	}
	var toks []identity.Token
	for _, rule := range rules {
		if rule.Kind == gateway.MuteByProcess {
			toks = append(toks, rule.Process)
		}
	}
	return toks, nil
}

// MutedPaths lists the path rules the gate currently holds for this
// connection. Gate truth, not the mirror.
func (c *Client) MutedPaths() ([]gateway.MuteRule, error) {
	if c.closed.Load() {
		return nil, &ClientError{Kind: ErrClientClosed}
	}
	rules, err := c.gw.MutedRules(c.id)
	if err != nil {
		return nil, &MuteError{Op: "muted paths", Err: err}
	}
	var paths []gateway.MuteRule
	for _, rule := range rules {
		if rule.Kind == gateway.MuteByPath {
			paths = append(paths, rule)
		}
	}
	return paths, nil
}

// InvertMuting flips one mute domain to select-in: only events matching
// that domain's rules are delivered. Tier 4.
func (c *Client) InvertMuting(d gateway.MuteDomain) error {
	if c.closed.Load() {
		return &ClientError{Kind: ErrClientClosed}
	}
	if !c.tier.Supports(gateway.Tier4) {
		return &MuteError{Op: "invert muting", Err: fmt.Errorf("mute inversion needs tier 4, gate runs tier %d: %w", c.tier, gateway.ErrUnsupported)}
	}
	if err := c.gw.InvertMuting(c.id, d); err != nil {
		return &MuteError{Op: "invert muting", Err: err}
	}
	return nil
}

// MutingInverted reports whether a domain is running select-in.
func (c *Client) MutingInverted(d gateway.MuteDomain) (bool, error) {
	if c.closed.Load() {
		return false, &ClientError{Kind: ErrClientClosed}
	}
	inverted, err := c.gw.MutingInverted(c.id, d)
	if err != nil {
		return false, &MuteError{Op: "muting inverted", Err: err}
	}
	return inverted, nil
}
