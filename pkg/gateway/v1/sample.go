package v1

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/aquilax/truncate"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/gateway"
)

// Sample is one host observation offered to the runtime. Feeds fill the
// process and the payload member matching Type; the runtime owns
// everything downstream: identifiers, sequencing, deadlines and the
// delivery buffers.
type Sample struct {
	Type    gateway.EventType
	Time    time.Time
	Process gateway.RawProcess
	Payload gateway.RawPayload

	// OnDecision, on an authorization-class sample, receives the
	// aggregate outcome: the verdict, and for open events the
	// authorized flags. It runs on whichever goroutine settled the
	// last share (responder, deadline timer, or shutdown).
	OnDecision func(gateway.Verdict, gateway.OpenFlags)
}

func (s *Sample) validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("sample event type %d: %w", s.Type, gateway.ErrInvalidArgument)
	}
	return nil
}

// normalizeSample rewrites every path the sample carries into delivered
// form before mute matching, cache lookup and fan-out all see it.
func (r *Runtime) normalizeSample(s *Sample) {
	r.normalizeFile(&s.Process.Executable)
	switch s.Type {
	case gateway.AuthExec, gateway.NotifyExec:
		r.normalizeFile(&s.Payload.Exec.Executable)
		s.Payload.Exec.CWD = r.normalizePath(s.Payload.Exec.CWD)
	case gateway.AuthOpen, gateway.NotifyOpen:
		r.normalizeFile(&s.Payload.Open.File)
	case gateway.NotifyClose:
		r.normalizeFile(&s.Payload.Close.File)
	case gateway.NotifyWrite:
		r.normalizeFile(&s.Payload.Write.File)
	case gateway.AuthRename, gateway.NotifyRename:
		r.normalizeFile(&s.Payload.Rename.Source)
		s.Payload.Rename.DestDir = r.normalizePath(s.Payload.Rename.DestDir)
	case gateway.AuthUnlink, gateway.NotifyUnlink:
		r.normalizeFile(&s.Payload.Unlink.File)
		s.Payload.Unlink.ParentDir = r.normalizePath(s.Payload.Unlink.ParentDir)
	case gateway.AuthMount, gateway.NotifyMount:
		// Mount sources can be devices or remote specs, only the
		// mount point is a host path.
		s.Payload.Mount.MountPoint = r.normalizePath(s.Payload.Mount.MountPoint)
	case gateway.NotifyUnmount:
		s.Payload.Unmount.MountPoint = r.normalizePath(s.Payload.Unmount.MountPoint)
	case gateway.AuthSetMode, gateway.NotifySetMode:
		r.normalizeFile(&s.Payload.SetMode.File)
	case gateway.AuthSetXattr, gateway.NotifySetXattr:
		r.normalizeFile(&s.Payload.SetXattr.File)
	}
}

// normalizeFile roots the path under the host root and truncates
// overlong ones, marking the truncation on the view.
func (r *Runtime) normalizeFile(f *gateway.RawFile) {
	f.Path = r.normalizePath(f.Path)
	if len(f.Path) > r.opts.MaxPathLength {
		f.Path = truncate.Truncate(f.Path, r.opts.MaxPathLength, "", truncate.PositionEnd)
		f.PathTruncated = true
	}
}

func (r *Runtime) normalizePath(p string) string {
	if p == "" {
		return ""
	}
	root := r.opts.HostRoot
	if root == "" || root == "/" {
		return filepath.Clean(p)
	}
	joined, err := securejoin.SecureJoin(root, p)
	if err != nil {
		logger.L().Warning("path failed to resolve under host root",
			helpers.String("path", p),
			helpers.String("root", root),
			helpers.Error(err))
		return filepath.Clean(p)
	}
	return joined
}
