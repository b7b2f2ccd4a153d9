package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/identity"
)

// MuteKind selects what a mute rule matches on.
type MuteKind uint8

const (
	MuteByProcess MuteKind = iota
	MuteByPath
)

func (k MuteKind) String() string {
	if k == MuteByProcess {
		return "process"
	}
	return "path"
}

// PathMatch is the matching mode of a path mute rule. Literal and Prefix
// match the acting process's executable path; the target variants match
// the filesystem object the event acts on and require tier 4.
type PathMatch uint8

const (
	MatchLiteral PathMatch = iota
	MatchPrefix
	MatchTargetLiteral
	MatchTargetPrefix
)

func (m PathMatch) String() string {
	switch m {
	case MatchLiteral:
		return "literal"
	case MatchPrefix:
		return "prefix"
	case MatchTargetLiteral:
		return "target-literal"
	default:
		return "target-prefix"
	}
}

// Target reports whether the mode matches the event's target object
// rather than the acting process.
func (m PathMatch) Target() bool {
	return m == MatchTargetLiteral || m == MatchTargetPrefix
}

// MuteDomain names a mute dimension for inversion.
type MuteDomain uint8

const (
	DomainProcess MuteDomain = iota
	DomainPath
	DomainTargetPath
)

func (d MuteDomain) String() string {
	switch d {
	case DomainProcess:
		return "process"
	case DomainPath:
		return "path"
	default:
		return "target-path"
	}
}

// MuteRule is the by-value descriptor sent to the gate to suppress
// delivery of matching events. An empty Events list covers all event
// types; a non-empty list restricts the rule to the listed ones
// (tier 4).
type MuteRule struct {
	Kind    MuteKind
	Process identity.Token
	Path    string
	Match   PathMatch
	Events  []EventType
}

// MuteProcessRule builds a rule muting every event from one process.
func MuteProcessRule(tok identity.Token) MuteRule {
	return MuteRule{Kind: MuteByProcess, Process: tok}
}

// MutePathRule builds a rule muting by path with the given mode.
func MutePathRule(path string, match PathMatch) MuteRule {
	return MuteRule{Kind: MuteByPath, Path: path, Match: match}
}

// Validate rejects descriptors the gate would refuse outright.
func (r MuteRule) Validate() error {
	switch r.Kind {
	case MuteByProcess:
		if r.Process.IsZero() {
			return fmt.Errorf("process mute rule without process: %w", ErrInvalidArgument)
		}
	case MuteByPath:
		if r.Path == "" {
			return fmt.Errorf("path mute rule without path: %w", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("mute kind %d: %w", r.Kind, ErrInvalidArgument)
	}
	for _, e := range r.Events {
		if !e.Valid() {
			return fmt.Errorf("mute rule event %d: %w", e, ErrInvalidArgument)
		}
	}
	return nil
}

// MinTier reports the capability tier the rule needs: target-path
// matching and per-event restriction arrived at tier 4, path rules at
// tier 2, process rules at tier 1.
func (r MuteRule) MinTier() Tier {
	if len(r.Events) > 0 {
		return Tier4
	}
	if r.Kind == MuteByPath {
		if r.Match.Target() {
			return Tier4
		}
		return Tier2
	}
	return Tier1
}

// Key canonicalizes the rule for set membership: the same predicate
// always produces the same key regardless of Events ordering.
func (r MuteRule) Key() string {
	var b strings.Builder
	switch r.Kind {
	case MuteByProcess:
		fmt.Fprintf(&b, "proc:%d.%d", r.Process.PID, r.Process.PIDVersion)
	case MuteByPath:
		fmt.Fprintf(&b, "path:%s:%s", r.Match, r.Path)
	}
	if len(r.Events) > 0 {
		events := make([]int, len(r.Events))
		for i, e := range r.Events {
			events[i] = int(e)
		}
		sort.Ints(events)
		fmt.Fprintf(&b, ":ev=%v", events)
	}
	return b.String()
}

// Covers reports whether the rule applies to the event type.
func (r MuteRule) Covers(e EventType) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, have := range r.Events {
		if have == e {
			return true
		}
	}
	return false
}
