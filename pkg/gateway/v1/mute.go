package v1

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dghubble/trie"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

// procKey is the process identity a mute rule pins: pid plus its
// incarnation, nothing else.
type procKey struct {
	pid int32
	ver int32
}

func procKeyFor(t identity.Token) procKey {
	return procKey{pid: t.PID, ver: t.PIDVersion}
}

// errMatched short-circuits trie walks once a covering rule is found.
var errMatched = errors.New("matched")

func (r *Runtime) Mute(id gateway.ConnectionID, rule gateway.MuteRule) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if need := rule.MinTier(); !r.tier.Supports(need) {
		return fmt.Errorf("mute rule needs tier %d, gate runs tier %d: %w", need, r.tier, gateway.ErrUnsupported)
	}
	if rule.Kind == gateway.MuteByPath {
		rule.Path = filepath.Clean(rule.Path)
	}
	c.addRule(rule)
	logger.L().Debug("mute rule installed",
		helpers.String("connection", string(id)),
		helpers.String("rule", rule.Key()))
	return nil
}

func (r *Runtime) Unmute(id gateway.ConnectionID, rule gateway.MuteRule) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Kind == gateway.MuteByPath {
		rule.Path = filepath.Clean(rule.Path)
	}
	if !c.removeRule(rule) {
		return fmt.Errorf("unmute %s: %w", rule.Key(), gateway.ErrRuleNotFound)
	}
	return nil
}

func (r *Runtime) MutedRules(id gateway.ConnectionID) ([]gateway.MuteRule, error) {
	c, err := r.conn(id)
	if err != nil {
		return nil, err
	}
	c.muteMu.RLock()
	defer c.muteMu.RUnlock()
	out := make([]gateway.MuteRule, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (r *Runtime) InvertMuting(id gateway.ConnectionID, domain gateway.MuteDomain) error {
	c, err := r.conn(id)
	if err != nil {
		return err
	}
	if domain > gateway.DomainTargetPath {
		return fmt.Errorf("mute domain %d: %w", domain, gateway.ErrInvalidArgument)
	}
	if !r.tier.Supports(gateway.Tier4) {
		return fmt.Errorf("mute inversion needs tier %d, gate runs tier %d: %w", gateway.Tier4, r.tier, gateway.ErrUnsupported)
	}
	c.muteMu.Lock()
	defer c.muteMu.Unlock()
	c.inverted[domain] = !c.inverted[domain]
	logger.L().Debug("mute domain inversion toggled",
		helpers.String("connection", string(id)),
		helpers.String("domain", domain.String()),
		helpers.Interface("inverted", c.inverted[domain]))
	return nil
}

func (r *Runtime) MutingInverted(id gateway.ConnectionID, domain gateway.MuteDomain) (bool, error) {
	c, err := r.conn(id)
	if err != nil {
		return false, err
	}
	if domain > gateway.DomainTargetPath {
		return false, fmt.Errorf("mute domain %d: %w", domain, gateway.ErrInvalidArgument)
	}
	c.muteMu.RLock()
	defer c.muteMu.RUnlock()
	return c.inverted[domain], nil
}

func (c *connection) addRule(rule gateway.MuteRule) {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()
	key := rule.Key()
	if _, ok := c.rules[key]; ok {
		return
	}
	c.rules[key] = rule
	switch {
	case rule.Kind == gateway.MuteByProcess:
		k := procKeyFor(rule.Process)
		c.procRules[k] = append(c.procRules[k], rule)
	case rule.Match == gateway.MatchLiteral:
		c.pathLiterals[rule.Path] = append(c.pathLiterals[rule.Path], rule)
	case rule.Match == gateway.MatchPrefix:
		addTrieRule(c.pathPrefixes, rule)
	case rule.Match == gateway.MatchTargetLiteral:
		c.targetLiterals[rule.Path] = append(c.targetLiterals[rule.Path], rule)
	case rule.Match == gateway.MatchTargetPrefix:
		addTrieRule(c.targetPrefixes, rule)
	}
}

func (c *connection) removeRule(rule gateway.MuteRule) bool {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()
	key := rule.Key()
	if _, ok := c.rules[key]; !ok {
		return false
	}
	delete(c.rules, key)
	switch {
	case rule.Kind == gateway.MuteByProcess:
		k := procKeyFor(rule.Process)
		if rules := dropRule(c.procRules[k], key); len(rules) == 0 {
			delete(c.procRules, k)
		} else {
			c.procRules[k] = rules
		}
	case rule.Match == gateway.MatchLiteral:
		if rules := dropRule(c.pathLiterals[rule.Path], key); len(rules) == 0 {
			delete(c.pathLiterals, rule.Path)
		} else {
			c.pathLiterals[rule.Path] = rules
		}
	case rule.Match == gateway.MatchPrefix:
		dropTrieRule(c.pathPrefixes, rule.Path, key)
	case rule.Match == gateway.MatchTargetLiteral:
		if rules := dropRule(c.targetLiterals[rule.Path], key); len(rules) == 0 {
			delete(c.targetLiterals, rule.Path)
		} else {
			c.targetLiterals[rule.Path] = rules
		}
	case rule.Match == gateway.MatchTargetPrefix:
		dropTrieRule(c.targetPrefixes, rule.Path, key)
	}
	return true
}

// muted evaluates the three mute domains against the sample. A domain
// drops the event when one of its rules matches, or, inverted, when
// none does. Events without a target path are never dropped by the
// target domain.
func (c *connection) muted(s *Sample) bool {
	c.muteMu.RLock()
	defer c.muteMu.RUnlock()

	if c.dropByDomain(gateway.DomainProcess, c.processMatch(s)) {
		return true
	}
	if c.dropByDomain(gateway.DomainPath, c.pathMatch(c.pathLiterals, c.pathPrefixes, s.Process.Executable.Path, s.Type)) {
		return true
	}
	if target := gateway.TargetPath(s.Type, &s.Payload); target != "" {
		if c.dropByDomain(gateway.DomainTargetPath, c.pathMatch(c.targetLiterals, c.targetPrefixes, target, s.Type)) {
			return true
		}
	}
	return false
}

// dropByDomain applies the domain's inversion state to a match result.
// An inverted domain with no rules drops everything; that mirrors the
// gate contract and is on the caller to avoid.
func (c *connection) dropByDomain(d gateway.MuteDomain, matched bool) bool {
	if c.inverted[d] {
		return !matched
	}
	return matched
}

func (c *connection) processMatch(s *Sample) bool {
	for _, rule := range c.procRules[procKeyFor(s.Process.Token)] {
		if rule.Covers(s.Type) {
			return true
		}
	}
	return false
}

// pathMatch checks literals, then every prefix rule sitting on the
// path's component chain.
func (c *connection) pathMatch(literals map[string][]gateway.MuteRule, prefixes *trie.PathTrie, path string, e gateway.EventType) bool {
	if path == "" {
		return false
	}
	for _, rule := range literals[path] {
		if rule.Covers(e) {
			return true
		}
	}
	err := prefixes.WalkPath(path, func(_ string, value interface{}) error {
		for _, rule := range value.([]gateway.MuteRule) {
			if rule.Covers(e) {
				return errMatched
			}
		}
		return nil
	})
	return errors.Is(err, errMatched)
}

func addTrieRule(t *trie.PathTrie, rule gateway.MuteRule) {
	var rules []gateway.MuteRule
	if v := t.Get(rule.Path); v != nil {
		rules = v.([]gateway.MuteRule)
	}
	t.Put(rule.Path, append(rules, rule))
}

func dropTrieRule(t *trie.PathTrie, path, key string) {
	v := t.Get(path)
	if v == nil {
		return
	}
	if rules := dropRule(v.([]gateway.MuteRule), key); len(rules) == 0 {
		t.Delete(path)
	} else {
		t.Put(path, rules)
	}
}

func dropRule(rules []gateway.MuteRule, key string) []gateway.MuteRule {
	out := rules[:0]
	for _, r := range rules {
		if r.Key() != key {
			out = append(out, r)
		}
	}
	return out
}
