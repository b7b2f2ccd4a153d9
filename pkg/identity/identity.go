// Package identity holds the process identity token used across the
// event gate: a small owned value identifying one process incarnation.
// Tokens are safe to copy, compare and retain, unlike event buffer data.
package identity

import (
	"errors"
	"fmt"
)

var ErrUnsupportedPlatform = errors.New("pid identity lookup requires linux procfs")

// Token identifies a single process incarnation. PID alone is not enough
// because pids are recycled; PIDVersion disambiguates incarnations of the
// same pid (derived from the process start time on Linux).
type Token struct {
	PID        int32
	PIDVersion int32
	AUID       uint32
	EUID       uint32
	EGID       uint32
	RUID       uint32
	RGID       uint32
	SessionID  uint32
}

func (t Token) IsZero() bool {
	return t == Token{}
}

// Same reports whether both tokens refer to the same process incarnation.
func (t Token) Same(other Token) bool {
	return t.PID == other.PID && t.PIDVersion == other.PIDVersion
}

func (t Token) String() string {
	return fmt.Sprintf("pid=%d.%d euid=%d", t.PID, t.PIDVersion, t.EUID)
}

// VersionFromStart folds a process start time (in clock ticks since
// boot) into the incarnation counter. Two processes reusing a pid cannot
// share a start tick, which is all Same needs.
func VersionFromStart(starttime uint64) int32 {
	return int32(starttime & 0x7fffffff)
}
