package gateclient

import (
	"fmt"
	"slices"
	"time"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

// ProcessView exposes the acting process of a Message. Scoped like the
// Message itself; scalar results are owned copies.
type ProcessView struct {
	m *Message
}

// AuditToken is the owned identity of the acting process, safe to
// retain past the callback.
func (v *ProcessView) AuditToken() identity.Token {
	v.m.sc.check("ProcessView.AuditToken")
	return v.m.ev.Process.Token
}

func (v *ProcessView) PID() int32 {
	v.m.sc.check("ProcessView.PID")
	return v.m.ev.Process.Token.PID
}

func (v *ProcessView) PPID() int32 {
	v.m.sc.check("ProcessView.PPID")
	return v.m.ev.Process.PPID
}

func (v *ProcessView) OriginalPPID() int32 {
	v.m.sc.check("ProcessView.OriginalPPID")
	return v.m.ev.Process.OriginalPPID
}

func (v *ProcessView) GroupID() int32 {
	v.m.sc.check("ProcessView.GroupID")
	return v.m.ev.Process.GroupID
}

func (v *ProcessView) SessionID() int32 {
	v.m.sc.check("ProcessView.SessionID")
	return v.m.ev.Process.SessionID
}

func (v *ProcessView) SigningID() string {
	v.m.sc.check("ProcessView.SigningID")
	return v.m.ev.Process.SigningID
}

func (v *ProcessView) TeamID() string {
	v.m.sc.check("ProcessView.TeamID")
	return v.m.ev.Process.TeamID
}

func (v *ProcessView) IsPlatformBinary() bool {
	v.m.sc.check("ProcessView.IsPlatformBinary")
	return v.m.ev.Process.PlatformBinary
}

// IsGateClient reports whether the acting process holds its own gate
// subscription. Useful for avoiding feedback loops between clients.
func (v *ProcessView) IsGateClient() bool {
	v.m.sc.check("ProcessView.IsGateClient")
	return v.m.ev.Process.GateClient
}

// Executable views the process's backing binary.
func (v *ProcessView) Executable() *FileView {
	v.m.sc.check("ProcessView.Executable")
	return &FileView{m: v.m, f: &v.m.ev.Process.Executable}
}

// TTY names the controlling terminal, populated from schema v2.
func (v *ProcessView) TTY() (string, error) {
	v.m.sc.check("ProcessView.TTY")
	if v.m.ev.SchemaVersion < gateway.SchemaV2 {
		return "", fmt.Errorf("tty arrives at schema v2, message carries v%d: %w", v.m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return v.m.ev.Process.TTY, nil
}

// StartTime is the process start time, populated from schema v3.
func (v *ProcessView) StartTime() (time.Time, error) {
	v.m.sc.check("ProcessView.StartTime")
	if v.m.ev.SchemaVersion < gateway.SchemaV3 {
		return time.Time{}, fmt.Errorf("start time arrives at schema v3, message carries v%d: %w", v.m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return v.m.ev.Process.StartTime, nil
}

// ParentToken identifies the current parent, populated from schema v4.
func (v *ProcessView) ParentToken() (identity.Token, error) {
	v.m.sc.check("ProcessView.ParentToken")
	if v.m.ev.SchemaVersion < gateway.SchemaV4 {
		return identity.Token{}, fmt.Errorf("parent tokens arrive at schema v4, message carries v%d: %w", v.m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return v.m.ev.Process.ParentToken, nil
}

// ResponsibleToken identifies the responsibility root, populated from
// schema v4.
func (v *ProcessView) ResponsibleToken() (identity.Token, error) {
	v.m.sc.check("ProcessView.ResponsibleToken")
	if v.m.ev.SchemaVersion < gateway.SchemaV4 {
		return identity.Token{}, fmt.Errorf("responsible tokens arrive at schema v4, message carries v%d: %w", v.m.ev.SchemaVersion, gateway.ErrUnsupported)
	}
	return v.m.ev.Process.ResponsibleToken, nil
}

// FileView exposes one file projection out of a Message.
type FileView struct {
	m *Message
	f *gateway.RawFile
}

func (v *FileView) Path() string {
	v.m.sc.check("FileView.Path")
	return v.f.Path
}

// PathTruncated reports whether Path was cut to the gate's length cap.
func (v *FileView) PathTruncated() bool {
	v.m.sc.check("FileView.PathTruncated")
	return v.f.PathTruncated
}

func (v *FileView) Size() int64 {
	v.m.sc.check("FileView.Size")
	return v.f.Size
}

func (v *FileView) Inode() uint64 {
	v.m.sc.check("FileView.Inode")
	return v.f.Inode
}

func (v *FileView) Device() uint64 {
	v.m.sc.check("FileView.Device")
	return v.f.Device
}

func (v *FileView) Mode() uint32 {
	v.m.sc.check("FileView.Mode")
	return v.f.Mode
}

func (v *FileView) Mtime() time.Time {
	v.m.sc.check("FileView.Mtime")
	return v.f.Mtime
}

// ExecView exposes an exec payload.
type ExecView struct {
	m *Message
}

// Executable views the image being executed, as opposed to the acting
// process's current one.
func (v *ExecView) Executable() *FileView {
	v.m.sc.check("ExecView.Executable")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Exec.Executable}
}

// Args returns an owned copy of the argument vector.
func (v *ExecView) Args() []string {
	v.m.sc.check("ExecView.Args")
	return slices.Clone(v.m.ev.Payload.Exec.Args)
}

// Env returns an owned copy of the environment.
func (v *ExecView) Env() []string {
	v.m.sc.check("ExecView.Env")
	return slices.Clone(v.m.ev.Payload.Exec.Env)
}

func (v *ExecView) CWD() string {
	v.m.sc.check("ExecView.CWD")
	return v.m.ev.Payload.Exec.CWD
}

// OpenView exposes an open payload.
type OpenView struct {
	m *Message
}

func (v *OpenView) File() *FileView {
	v.m.sc.check("OpenView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Open.File}
}

// Flags is the requested access set. Flags responses grant a subset of
// it.
func (v *OpenView) Flags() gateway.OpenFlags {
	v.m.sc.check("OpenView.Flags")
	return v.m.ev.Payload.Open.Flags
}

// CloseView exposes a close payload.
type CloseView struct {
	m *Message
}

func (v *CloseView) File() *FileView {
	v.m.sc.check("CloseView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Close.File}
}

// Modified reports whether the file was written through the closed
// descriptor.
func (v *CloseView) Modified() bool {
	v.m.sc.check("CloseView.Modified")
	return v.m.ev.Payload.Close.Modified
}

// WriteView exposes a write payload.
type WriteView struct {
	m *Message
}

func (v *WriteView) File() *FileView {
	v.m.sc.check("WriteView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Write.File}
}

// RenameView exposes a rename payload.
type RenameView struct {
	m *Message
}

// Source views the object being renamed.
func (v *RenameView) Source() *FileView {
	v.m.sc.check("RenameView.Source")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Rename.Source}
}

// DestDir is the destination directory path.
func (v *RenameView) DestDir() string {
	v.m.sc.check("RenameView.DestDir")
	return v.m.ev.Payload.Rename.DestDir
}

// DestName is the destination file name within DestDir.
func (v *RenameView) DestName() string {
	v.m.sc.check("RenameView.DestName")
	return v.m.ev.Payload.Rename.DestName
}

// UnlinkView exposes an unlink payload.
type UnlinkView struct {
	m *Message
}

func (v *UnlinkView) File() *FileView {
	v.m.sc.check("UnlinkView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.Unlink.File}
}

func (v *UnlinkView) ParentDir() string {
	v.m.sc.check("UnlinkView.ParentDir")
	return v.m.ev.Payload.Unlink.ParentDir
}

// SignalView exposes a signal payload.
type SignalView struct {
	m *Message
}

// Signal is the signal number being sent.
func (v *SignalView) Signal() int32 {
	v.m.sc.check("SignalView.Signal")
	return v.m.ev.Payload.Signal.Sig
}

// Target is the owned identity of the receiving process.
func (v *SignalView) Target() identity.Token {
	v.m.sc.check("SignalView.Target")
	return v.m.ev.Payload.Signal.Target
}

// ForkView exposes a fork payload.
type ForkView struct {
	m *Message
}

// Child is the owned identity of the new process.
func (v *ForkView) Child() identity.Token {
	v.m.sc.check("ForkView.Child")
	return v.m.ev.Payload.Fork.Child
}

// ExitView exposes an exit payload.
type ExitView struct {
	m *Message
}

func (v *ExitView) Status() int32 {
	v.m.sc.check("ExitView.Status")
	return v.m.ev.Payload.Exit.Status
}

// MountView exposes a mount payload.
type MountView struct {
	m *Message
}

func (v *MountView) Source() string {
	v.m.sc.check("MountView.Source")
	return v.m.ev.Payload.Mount.Source
}

func (v *MountView) MountPoint() string {
	v.m.sc.check("MountView.MountPoint")
	return v.m.ev.Payload.Mount.MountPoint
}

func (v *MountView) FSType() string {
	v.m.sc.check("MountView.FSType")
	return v.m.ev.Payload.Mount.FSType
}

// UnmountView exposes an unmount payload.
type UnmountView struct {
	m *Message
}

func (v *UnmountView) MountPoint() string {
	v.m.sc.check("UnmountView.MountPoint")
	return v.m.ev.Payload.Unmount.MountPoint
}

// SetModeView exposes a mode-change payload.
type SetModeView struct {
	m *Message
}

func (v *SetModeView) File() *FileView {
	v.m.sc.check("SetModeView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.SetMode.File}
}

// NewMode is the mode being applied.
func (v *SetModeView) NewMode() uint32 {
	v.m.sc.check("SetModeView.NewMode")
	return v.m.ev.Payload.SetMode.NewMode
}

// SetXattrView exposes an extended-attribute payload.
type SetXattrView struct {
	m *Message
}

func (v *SetXattrView) File() *FileView {
	v.m.sc.check("SetXattrView.File")
	return &FileView{m: v.m, f: &v.m.ev.Payload.SetXattr.File}
}

// Name is the attribute being set.
func (v *SetXattrView) Name() string {
	v.m.sc.check("SetXattrView.Name")
	return v.m.ev.Payload.SetXattr.Name
}
