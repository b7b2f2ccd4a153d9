package v1

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
)

func startFileFeed(t *testing.T, root string, paths ...string) (*hostfeed.InjectorMock, hostfeed.Feed) {
	t.Helper()
	sink := hostfeed.NewInjectorMock()
	feed, err := NewFileFeed(FileFeedOptions{HostRoot: root, Paths: paths}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, feed.Start(context.Background()))
	t.Cleanup(feed.Stop)
	return sink, feed
}

func TestFileFeedCreateAndWrite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "watched"), 0o755))
	sink, _ := startFileFeed(t, root, "/watched")

	target := filepath.Join(root, "watched", "cfg.yaml")
	require.NoError(t, os.WriteFile(target, []byte("interval: 1\n"), 0o644))

	waitFor(t, func() bool { return len(sink.OfType(gateway.NotifyOpen)) >= 1 })
	got := sink.OfType(gateway.NotifyOpen)[0]
	assert.Equal(t, "/watched/cfg.yaml", got.Payload.Open.File.Path)
	assert.True(t, got.Payload.Open.Flags.Has(gateway.OpenCreate))
	assert.False(t, strings.Contains(got.Payload.Open.File.Path, root))
	assert.True(t, got.Process.GateClient)

	require.NoError(t, os.WriteFile(target, []byte("interval: 2\n"), 0o644))
	waitFor(t, func() bool {
		for _, s := range sink.OfType(gateway.NotifyWrite) {
			if s.Payload.Write.File.Path == "/watched/cfg.yaml" {
				return true
			}
		}
		return false
	})
}

func TestFileFeedRemoveAndRename(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	sink, _ := startFileFeed(t, root, "/watched")

	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
	waitFor(t, func() bool { return len(sink.OfType(gateway.NotifyUnlink)) == 1 })
	unlink := sink.OfType(gateway.NotifyUnlink)[0].Payload.Unlink
	assert.Equal(t, "/watched/a.txt", unlink.File.Path)
	assert.Equal(t, "/watched", unlink.ParentDir)

	require.NoError(t, os.Rename(filepath.Join(dir, "b.txt"), filepath.Join(dir, "c.txt")))
	waitFor(t, func() bool {
		for _, s := range sink.OfType(gateway.NotifyRename) {
			if s.Payload.Rename.Source.Path == "/watched/b.txt" {
				return true
			}
		}
		return false
	})
}

func TestFileFeedChmod(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	target := filepath.Join(dir, "locked.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	sink, _ := startFileFeed(t, root, "/watched")

	require.NoError(t, os.Chmod(target, 0o600))
	waitFor(t, func() bool { return len(sink.OfType(gateway.NotifySetMode)) >= 1 })
	got := sink.OfType(gateway.NotifySetMode)[0].Payload.SetMode
	assert.Equal(t, "/watched/locked.txt", got.File.Path)
	assert.Equal(t, uint32(0o600), got.NewMode&0o777)
}

func TestFileFeedNewDirectoryExtendsWatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "watched"), 0o755))
	sink, _ := startFileFeed(t, root, "/watched")

	sub := filepath.Join(root, "watched", "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitFor(t, func() bool {
		for _, s := range sink.OfType(gateway.NotifyOpen) {
			if s.Payload.Open.File.Path == "/watched/sub" {
				return true
			}
		}
		return false
	})

	// The subdirectory sample proves its watch is armed, so a file
	// created inside it must be seen too.
	require.NoError(t, os.WriteFile(filepath.Join(sub, "leaf.txt"), []byte("x"), 0o644))
	waitFor(t, func() bool {
		for _, s := range sink.OfType(gateway.NotifyOpen) {
			if s.Payload.Open.File.Path == "/watched/sub/leaf.txt" {
				return true
			}
		}
		return false
	})
}

func TestFileFeedConstructorValidation(t *testing.T) {
	sink := hostfeed.NewInjectorMock()

	_, err := NewFileFeed(FileFeedOptions{}, sink, nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidArgument)

	_, err = NewFileFeed(FileFeedOptions{Backend: "polling", Paths: []string{"/etc"}}, sink, nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidArgument)

	feed, err := NewFileFeed(FileFeedOptions{HostRoot: t.TempDir(), Paths: []string{"/absent"}}, sink, nil)
	require.NoError(t, err)
	err = feed.Start(context.Background())
	assert.ErrorContains(t, err, "no watchable paths")
}

func TestFileFeedStopHalts(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	sink, feed := startFileFeed(t, root, "/watched")

	assert.Error(t, feed.Start(context.Background()))

	feed.Stop()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, sink.Samples())
}
