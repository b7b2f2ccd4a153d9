//go:build !linux
// +build !linux

package v1

import (
	"os"

	"github.com/kestrelsec/kestrel/pkg/gateway"
)

// statRawFile projects a path into delivered file form. Without a
// native stat structure only the portable fields are available.
func statRawFile(path string) (gateway.RawFile, error) {
	f := gateway.RawFile{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return f, err
	}
	f.Size = info.Size()
	f.Mtime = info.ModTime()
	f.Mode = uint32(info.Mode().Perm())
	return f, nil
}
