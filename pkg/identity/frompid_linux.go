//go:build linux
// +build linux

package identity

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// FromPID derives a Token from a live pid by reading procfs. The result
// is only meaningful while the process is alive; callers comparing
// tokens across time should use Same, which includes the incarnation.
func FromPID(pid int32) (Token, error) {
	fs, err := procfs.NewFS("/proc")
	if err != nil {
		return Token{}, fmt.Errorf("open procfs: %w", err)
	}

	proc, err := fs.Proc(int(pid))
	if err != nil {
		return Token{}, fmt.Errorf("pid %d: %w", pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return Token{}, fmt.Errorf("stat pid %d: %w", pid, err)
	}

	status, err := proc.NewStatus()
	if err != nil {
		return Token{}, fmt.Errorf("status pid %d: %w", pid, err)
	}

	tok := Token{
		PID:        pid,
		PIDVersion: VersionFromStart(stat.Starttime),
		RUID:       uint32(status.UIDs[0]),
		EUID:       uint32(status.UIDs[1]),
		RGID:       uint32(status.GIDs[0]),
		EGID:       uint32(status.GIDs[1]),
		SessionID:  uint32(stat.Session),
	}

	// The audit uid lives outside what the procfs library exposes.
	if auid, err := readProcUint(pid, "loginuid"); err == nil {
		tok.AUID = uint32(auid)
	} else {
		tok.AUID = tok.RUID
	}

	return tok, nil
}

func readProcUint(pid int32, name string) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}
