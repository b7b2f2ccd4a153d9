package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/kestrel/pkg/identity"
)

// ResponseToken is the opaque handle a consumer hands back when
// answering an authorization-class event. Zero is never a live token.
type ResponseToken uint64

// RawEvent is the plain data view over one delivered event. The runtime
// owns the backing value: it is valid only while the delivery callback
// runs and is zeroed and recycled afterwards. Nothing here may be
// retained past the callback; the safe wrapper in gateclient enforces
// that discipline.
type RawEvent struct {
	ID            uuid.UUID
	Type          EventType
	SchemaVersion uint32
	Time          time.Time
	Uptime        time.Duration

	// SeqNum is populated from schema v2, GlobalSeqNum and ThreadID
	// from schema v4. Zero below those schemas.
	SeqNum       uint64
	GlobalSeqNum uint64
	ThreadID     uint64

	// Deadline and Token are set on authorization-class events only.
	Deadline time.Time
	Token    ResponseToken

	Process RawProcess
	Payload RawPayload
}

// Action is shorthand for the delivery class of the event.
func (r *RawEvent) Action() ActionType {
	return r.Type.Action()
}

// Reset clears the event for reuse. The runtime calls this when
// poisoning a buffer after its callback returned.
func (r *RawEvent) Reset() {
	*r = RawEvent{}
}

// RawProcess describes the process that triggered the event.
type RawProcess struct {
	Token          identity.Token
	PPID           int32
	OriginalPPID   int32
	GroupID        int32
	SessionID      int32
	SigningID      string
	TeamID         string
	PlatformBinary bool
	GateClient     bool
	Executable     RawFile

	TTY              string         // schema v2+
	StartTime        time.Time      // schema v3+
	ParentToken      identity.Token // schema v4+
	ResponsibleToken identity.Token // schema v4+
}

// RawFile is the file projection carried by process and payload views.
type RawFile struct {
	Path          string
	PathTruncated bool
	Size          int64
	Inode         uint64
	Device        uint64
	Mode          uint32
	Mtime         time.Time
}

// RawPayload is the flattened per-kind union. Only the member matching
// the event's Type holds meaning; the rest are zero.
type RawPayload struct {
	Exec     RawExec
	Open     RawOpen
	Close    RawClose
	Write    RawWrite
	Rename   RawRename
	Unlink   RawUnlink
	Signal   RawSignal
	Fork     RawFork
	Exit     RawExit
	Mount    RawMount
	Unmount  RawUnmount
	SetMode  RawSetMode
	SetXattr RawSetXattr
}

type RawExec struct {
	Executable RawFile
	Args       []string
	Env        []string
	CWD        string
}

type RawOpen struct {
	File  RawFile
	Flags OpenFlags
}

type RawClose struct {
	File     RawFile
	Modified bool
}

type RawWrite struct {
	File RawFile
}

type RawRename struct {
	Source   RawFile
	DestDir  string
	DestName string
}

type RawUnlink struct {
	File      RawFile
	ParentDir string
}

type RawSignal struct {
	Sig    int32
	Target identity.Token
}

type RawFork struct {
	Child identity.Token
}

type RawExit struct {
	Status int32
}

type RawMount struct {
	Source     string
	MountPoint string
	FSType     string
}

type RawUnmount struct {
	MountPoint string
}

type RawSetMode struct {
	File    RawFile
	NewMode uint32
}

type RawSetXattr struct {
	File RawFile
	Name string
}

// TargetPath returns the filesystem object the event acts on, empty for
// kinds without one. Target-path mute rules match against this.
func (r *RawEvent) TargetPath() string {
	return TargetPath(r.Type, &r.Payload)
}

// TargetPath picks the acted-on path out of a payload for the given
// event type.
func TargetPath(t EventType, p *RawPayload) string {
	switch t {
	case AuthExec, NotifyExec:
		return p.Exec.Executable.Path
	case AuthOpen, NotifyOpen:
		return p.Open.File.Path
	case NotifyClose:
		return p.Close.File.Path
	case NotifyWrite:
		return p.Write.File.Path
	case AuthRename, NotifyRename:
		return p.Rename.Source.Path
	case AuthUnlink, NotifyUnlink:
		return p.Unlink.File.Path
	case AuthMount, NotifyMount:
		return p.Mount.MountPoint
	case NotifyUnmount:
		return p.Unmount.MountPoint
	case AuthSetMode, NotifySetMode:
		return p.SetMode.File.Path
	case AuthSetXattr, NotifySetXattr:
		return p.SetXattr.File.Path
	default:
		return ""
	}
}
