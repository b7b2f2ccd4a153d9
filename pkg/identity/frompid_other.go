//go:build !linux
// +build !linux

package identity

// FromPID derives a Token from a live pid. Only the Linux procfs
// implementation exists today.
func FromPID(pid int32) (Token, error) {
	return Token{}, ErrUnsupportedPlatform
}
