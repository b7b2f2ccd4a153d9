package gateclient

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kestrelsec/kestrel/pkg/gateway"
)

// scope is the runtime liveness token shared by a Message and every view
// derived from it. It dies when the delivery callback returns.
type scope struct {
	live atomic.Bool
}

func newScope() *scope {
	s := &scope{}
	s.live.Store(true)
	return s
}

func (s *scope) close() {
	s.live.Store(false)
}

// check panics with *ScopeError once the scope has ended. A dead scope
// means the caller retained a Message past its callback, a programming
// fault the panic surfaces instead of letting a recycled buffer leak
// through.
func (s *scope) check(op string) {
	if !s.live.Load() {
		panic(&ScopeError{Op: op})
	}
}

// Message is the safe handle over one delivered event, valid only for
// the extent of the handler invocation that received it. Every accessor
// validates the scope first; scalar and string results are owned copies
// and safe to retain, the Message and its views are not.
type Message struct {
	ev           *gateway.RawEvent
	c            *Client
	sc           *scope
	authorizable bool
	responded    atomic.Bool
}

// EventType reports the delivered event's kind.
func (m *Message) EventType() gateway.EventType {
	m.sc.check("Message.EventType")
	return m.ev.Type
}

// Action reports the delivery class, authorization or notification.
func (m *Message) Action() gateway.ActionType {
	m.sc.check("Message.Action")
	return m.ev.Type.Action()
}

// Timestamp is the wall-clock time the event occurred.
func (m *Message) Timestamp() time.Time {
	m.sc.check("Message.Timestamp")
	return m.ev.Time
}

// Uptime is the host's monotonic uptime at the event.
func (m *Message) Uptime() time.Duration {
	m.sc.check("Message.Uptime")
	return m.ev.Uptime
}

// Deadline reports when the gate will apply its own default decision to
// an authorization-class event. False for notifications.
func (m *Message) Deadline() (time.Time, bool) {
	m.sc.check("Message.Deadline")
	if m.ev.Deadline.IsZero() {
		return time.Time{}, false
	}
	return m.ev.Deadline, true
}

// Process views the acting process.
func (m *Message) Process() *ProcessView {
	m.sc.check("Message.Process")
	return &ProcessView{m: m}
}

// SeqNum is the per-connection ordering number, populated from schema
// v2. Below that it fails with ErrUnsupported.
func (m *Message) SeqNum() (uint64, error) {
	m.sc.check("Message.SeqNum")
	if m.ev.SchemaVersion < gateway.SchemaV2 {
		return 0, fmt.Errorf("sequence numbers arrive at schema v2, message carries v%d: %w", m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return m.ev.SeqNum, nil
}

// GlobalSeqNum is the gate-wide ordering number, populated from schema
// v4.
func (m *Message) GlobalSeqNum() (uint64, error) {
	m.sc.check("Message.GlobalSeqNum")
	if m.ev.SchemaVersion < gateway.SchemaV4 {
		return 0, fmt.Errorf("global sequencing arrives at schema v4, message carries v%d: %w", m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return m.ev.GlobalSeqNum, nil
}

// ThreadID identifies the acting thread, populated from schema v4.
func (m *Message) ThreadID() (uint64, error) {
	m.sc.check("Message.ThreadID")
	if m.ev.SchemaVersion < gateway.SchemaV4 {
		return 0, fmt.Errorf("thread ids arrive at schema v4, message carries v%d: %w", m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return m.ev.ThreadID, nil
}

// kindCheck guards a payload accessor against the wrong event kind.
func (m *Message) kindCheck(op string, want ...gateway.EventType) error {
	m.sc.check(op)
	for _, w := range want {
		if m.ev.Type == w {
			return nil
		}
	}
	return fmt.Errorf("message holds %s: %w", m.ev.Type, ErrEventKind)
}

// Exec views an exec payload.
func (m *Message) Exec() (*ExecView, error) {
	if err := m.kindCheck("Message.Exec", gateway.AuthExec, gateway.NotifyExec); err != nil {
		return nil, err
	}
	return &ExecView{m: m}, nil
}

// Open views an open payload.
func (m *Message) Open() (*OpenView, error) {
	if err := m.kindCheck("Message.Open", gateway.AuthOpen, gateway.NotifyOpen); err != nil {
		return nil, err
	}
	return &OpenView{m: m}, nil
}

// Close views a close payload. This is the event accessor, not a
// teardown operation.
func (m *Message) Close() (*CloseView, error) {
	if err := m.kindCheck("Message.Close", gateway.NotifyClose); err != nil {
		return nil, err
	}
	return &CloseView{m: m}, nil
}

// Write views a write payload.
func (m *Message) Write() (*WriteView, error) {
	if err := m.kindCheck("Message.Write", gateway.NotifyWrite); err != nil {
		return nil, err
	}
	return &WriteView{m: m}, nil
}

// Rename views a rename payload.
func (m *Message) Rename() (*RenameView, error) {
	if err := m.kindCheck("Message.Rename", gateway.AuthRename, gateway.NotifyRename); err != nil {
		return nil, err
	}
	return &RenameView{m: m}, nil
}

// Unlink views an unlink payload.
func (m *Message) Unlink() (*UnlinkView, error) {
	if err := m.kindCheck("Message.Unlink", gateway.AuthUnlink, gateway.NotifyUnlink); err != nil {
		return nil, err
	}
	return &UnlinkView{m: m}, nil
}

// Signal views a signal payload.
func (m *Message) Signal() (*SignalView, error) {
	if err := m.kindCheck("Message.Signal", gateway.AuthSignal, gateway.NotifySignal); err != nil {
		return nil, err
	}
	return &SignalView{m: m}, nil
}

// Fork views a fork payload.
func (m *Message) Fork() (*ForkView, error) {
	if err := m.kindCheck("Message.Fork", gateway.NotifyFork); err != nil {
		return nil, err
	}
	return &ForkView{m: m}, nil
}

// Exit views an exit payload.
func (m *Message) Exit() (*ExitView, error) {
	if err := m.kindCheck("Message.Exit", gateway.NotifyExit); err != nil {
		return nil, err
	}
	return &ExitView{m: m}, nil
}

// Mount views a mount payload.
func (m *Message) Mount() (*MountView, error) {
	if err := m.kindCheck("Message.Mount", gateway.AuthMount, gateway.NotifyMount); err != nil {
		return nil, err
	}
	return &MountView{m: m}, nil
}

// Unmount views an unmount payload.
func (m *Message) Unmount() (*UnmountView, error) {
	if err := m.kindCheck("Message.Unmount", gateway.NotifyUnmount); err != nil {
		return nil, err
	}
	return &UnmountView{m: m}, nil
}

// SetMode views a mode-change payload.
func (m *Message) SetMode() (*SetModeView, error) {
	if err := m.kindCheck("Message.SetMode", gateway.AuthSetMode, gateway.NotifySetMode); err != nil {
		return nil, err
	}
	return &SetModeView{m: m}, nil
}

// SetXattr views an extended-attribute payload.
func (m *Message) SetXattr() (*SetXattrView, error) {
	if err := m.kindCheck("Message.SetXattr", gateway.AuthSetXattr, gateway.NotifySetXattr); err != nil {
		return nil, err
	}
	return &SetXattrView{m: m}, nil
}

// Respond answers a verdict-class authorization. It succeeds at most
// once per Message; *ResponseError carries ErrNotAuthorizable for
// notification deliveries, gateway.ErrWrongResponseKind for flags-class
// events (use RespondFlags), and ErrAlreadyResponded when the single
// response was already consumed, including by the deadline default.
func (m *Message) Respond(r AuthResult) error {
	m.sc.check("Message.Respond")
	if !m.authorizable {
		return &ResponseError{Kind: ErrNotAuthorizable, Err: fmt.Errorf("%s is %s-class", m.ev.Type, m.ev.Type.Action())}
	}
	if m.ev.Type.Response() == gateway.ResponseFlags {
		return &ResponseError{Kind: gateway.ErrWrongResponseKind, Err: fmt.Errorf("%s takes a flags response", m.ev.Type)}
	}
	return m.respondVerdict(r.verdict, r.cache)
}

// RespondFlags answers a flags-class authorization (open) with the
// subset of the requested flags to grant. Granting none is a deny;
// granting every requested flag is an allow. Same single-response
// discipline as Respond.
func (m *Message) RespondFlags(allowed gateway.OpenFlags, cache bool) error {
	m.sc.check("Message.RespondFlags")
	if !m.authorizable {
		return &ResponseError{Kind: ErrNotAuthorizable, Err: fmt.Errorf("%s is %s-class", m.ev.Type, m.ev.Type.Action())}
	}
	if m.ev.Type.Response() != gateway.ResponseFlags {
		return &ResponseError{Kind: gateway.ErrWrongResponseKind, Err: fmt.Errorf("%s takes a verdict response", m.ev.Type)}
	}
	return m.respondFlags(allowed, cache)
}

func (m *Message) respondVerdict(v gateway.Verdict, cache bool) error {
	if !m.responded.CompareAndSwap(false, true) {
		return &ResponseError{Kind: ErrAlreadyResponded}
	}
	if err := m.c.gw.RespondVerdict(m.c.id, m.ev.Token, v, cache); err != nil {
		if errors.Is(err, gateway.ErrDuplicateResponse) {
			return &ResponseError{Kind: ErrAlreadyResponded, Err: err}
		}
		return &ResponseError{Err: err}
	}
	m.c.responded.Add(1)
	return nil
}

func (m *Message) respondFlags(allowed gateway.OpenFlags, cache bool) error {
	if !m.responded.CompareAndSwap(false, true) {
		return &ResponseError{Kind: ErrAlreadyResponded}
	}
	if err := m.c.gw.RespondFlags(m.c.id, m.ev.Token, allowed, cache); err != nil {
		if errors.Is(err, gateway.ErrDuplicateResponse) {
			return &ResponseError{Kind: ErrAlreadyResponded, Err: err}
		}
		return &ResponseError{Err: err}
	}
	m.c.responded.Add(1)
	return nil
}

// applyResult maps a handler-returned decision onto the event's
// response kind: flags-class events turn an allow into the full
// requested grant and a deny into an empty one.
func (m *Message) applyResult(r AuthResult) error {
	if m.ev.Type.Response() == gateway.ResponseFlags {
		var grant gateway.OpenFlags
		if r.verdict == gateway.VerdictAllow {
			grant = m.ev.Payload.Open.Flags
		}
		return m.respondFlags(grant, r.cache)
	}
	return m.respondVerdict(r.verdict, r.cache)
}
