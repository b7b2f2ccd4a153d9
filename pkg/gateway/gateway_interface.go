// Package gateway defines the boundary to the host security event gate:
// the subscription contract, the raw data views delivered per event, and
// the capability ladder. Implementations own event memory; consumers get
// transient views. The safe client wrapper lives in pkg/gateclient.
package gateway

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

// ConnectionID identifies one live subscription.
type ConnectionID string

// EventSink receives deliveries for one connection. Deliver is invoked
// concurrently from the gate's own workers, one call per event. The
// *RawEvent argument is owned by the gate and valid only until Deliver
// returns; for authorization-class events the gate expects a response
// (RespondVerdict/RespondFlags) before then, or applies its own default
// at the deadline.
type EventSink interface {
	Deliver(ev *RawEvent)
}

// Gateway is the subscription surface of the event gate. All methods are
// safe for concurrent use. Mutations act on future deliveries only;
// in-flight events are unaffected.
type Gateway interface {
	// Connect performs the privileged subscription handshake. The sink
	// stays registered until Disconnect. Refusals wrap one of the
	// handshake sentinels (ErrNotEntitled, ErrNotPermitted,
	// ErrNotPrivileged, ErrTooManyClients, ErrUnavailable).
	Connect(ctx context.Context, sink EventSink) (ConnectionID, error)

	// Disconnect tears the subscription down. Events already being
	// delivered complete; no new deliveries start.
	Disconnect(id ConnectionID) error

	Subscribe(id ConnectionID, events ...EventType) error
	Unsubscribe(id ConnectionID, events ...EventType) error
	UnsubscribeAll(id ConnectionID) error
	Subscriptions(id ConnectionID) ([]EventType, error)

	// RespondVerdict answers a verdict-class authorization. cache asks
	// the gate to reuse an allow for matching future events.
	RespondVerdict(id ConnectionID, tok ResponseToken, v Verdict, cache bool) error

	// RespondFlags answers a flags-class authorization (open events)
	// with the subset of requested flags to permit.
	RespondFlags(id ConnectionID, tok ResponseToken, allowed OpenFlags, cache bool) error

	Mute(id ConnectionID, rule MuteRule) error
	Unmute(id ConnectionID, rule MuteRule) error
	MutedRules(id ConnectionID) ([]MuteRule, error)

	// InvertMuting flips one mute domain from suppress-matching to
	// deliver-only-matching. Tier 4.
	InvertMuting(id ConnectionID, domain MuteDomain) error
	MutingInverted(id ConnectionID, domain MuteDomain) (bool, error)

	// ClearCache drops cached authorization results. Gates may throttle
	// repeated calls (ErrCacheThrottled).
	ClearCache(id ConnectionID) error

	// Version reports the running gate version; TierForVersion maps it
	// onto the capability ladder.
	Version() *semver.Version
}
