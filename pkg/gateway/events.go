package gateway

// EventType enumerates every event kind the gate can deliver. Each type
// is inherently authorization-class or notification-class; the producer
// blocks on authorization-class deliveries until a response arrives.
type EventType uint32

const (
	EventTypeInvalid EventType = iota

	AuthExec
	AuthOpen
	AuthRename
	AuthSignal
	AuthUnlink
	NotifyExec
	NotifyOpen
	NotifyFork
	NotifyExit
	NotifyClose
	NotifyWrite
	NotifyRename
	NotifySignal
	NotifyUnlink

	AuthMount
	NotifyMount
	NotifyUnmount

	AuthSetMode
	NotifySetMode

	AuthSetXattr
	NotifySetXattr
)

// ActionType splits event types into the two delivery classes.
type ActionType uint8

const (
	ActionAuth ActionType = iota
	ActionNotify
)

func (a ActionType) String() string {
	if a == ActionAuth {
		return "auth"
	}
	return "notify"
}

// ResponseKind is the answer shape an authorization-class event expects.
type ResponseKind uint8

const (
	ResponseNone ResponseKind = iota
	ResponseVerdict
	ResponseFlags
)

// Verdict is the allow/deny half of an authorization response.
type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictDeny
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "deny"
}

// OpenFlags is the access bitmask carried by open events and subset by
// flags responses.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
	OpenAppend
)

func (f OpenFlags) Has(bit OpenFlags) bool {
	return f&bit != 0
}

var eventNames = map[EventType]string{
	AuthExec:       "auth-exec",
	AuthOpen:       "auth-open",
	AuthRename:     "auth-rename",
	AuthSignal:     "auth-signal",
	AuthUnlink:     "auth-unlink",
	NotifyExec:     "notify-exec",
	NotifyOpen:     "notify-open",
	NotifyFork:     "notify-fork",
	NotifyExit:     "notify-exit",
	NotifyClose:    "notify-close",
	NotifyWrite:    "notify-write",
	NotifyRename:   "notify-rename",
	NotifySignal:   "notify-signal",
	NotifyUnlink:   "notify-unlink",
	AuthMount:      "auth-mount",
	NotifyMount:    "notify-mount",
	NotifyUnmount:  "notify-unmount",
	AuthSetMode:    "auth-setmode",
	NotifySetMode:  "notify-setmode",
	AuthSetXattr:   "auth-setxattr",
	NotifySetXattr: "notify-setxattr",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "invalid"
}

func (e EventType) Valid() bool {
	_, ok := eventNames[e]
	return ok
}

// Action reports the delivery class of the event type.
func (e EventType) Action() ActionType {
	switch e {
	case AuthExec, AuthOpen, AuthRename, AuthSignal, AuthUnlink, AuthMount, AuthSetMode, AuthSetXattr:
		return ActionAuth
	default:
		return ActionNotify
	}
}

// Response reports the answer shape the producer waits for. Open
// authorizations take a flags subset; every other authorization takes a
// plain verdict; notifications take none.
func (e EventType) Response() ResponseKind {
	if e.Action() != ActionAuth {
		return ResponseNone
	}
	if e == AuthOpen {
		return ResponseFlags
	}
	return ResponseVerdict
}

// MinTier reports the capability tier at which the event type becomes
// available. The ladder is strictly additive.
func (e EventType) MinTier() Tier {
	switch e {
	case AuthMount, NotifyMount, NotifyUnmount:
		return Tier2
	case AuthSetMode, NotifySetMode:
		return Tier3
	case AuthSetXattr, NotifySetXattr:
		return Tier4
	default:
		return Tier1
	}
}

// AllEventTypes returns every valid event type, lowest tier first.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventNames))
	for e := AuthExec; e <= NotifySetXattr; e++ {
		out = append(out, e)
	}
	return out
}
