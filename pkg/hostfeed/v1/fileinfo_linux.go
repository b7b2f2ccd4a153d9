//go:build linux
// +build linux

package v1

import (
	"os"
	"syscall"

	"github.com/kestrelsec/kestrel/pkg/gateway"
)

// statRawFile projects a path into delivered file form. The stat error
// comes back so callers can tell an empty projection from a file that
// vanished underneath them; the path is filled either way.
func statRawFile(path string) (gateway.RawFile, error) {
	f := gateway.RawFile{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return f, err
	}
	f.Size = info.Size()
	f.Mtime = info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		f.Inode = st.Ino
		f.Device = uint64(st.Dev)
		f.Mode = uint32(st.Mode)
	} else {
		f.Mode = uint32(info.Mode().Perm())
	}
	return f, nil
}
