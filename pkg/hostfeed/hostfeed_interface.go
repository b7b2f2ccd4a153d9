// Package hostfeed turns host observations into gate samples: process
// execs diffed out of procfs, file activity from inotify or fanotify,
// and mount table changes. Feeds produce notification-class events
// only; authorization flows never originate here.
package hostfeed

import (
	"context"

	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
)

// Feed names used as metric labels.
const (
	FeedExec  = "exec"
	FeedFile  = "file"
	FeedMount = "mount"
)

// Injector accepts samples for dispatch. The gate runtime implements
// it; feeds hold the interface so tests can record instead.
type Injector interface {
	Inject(s gatewayv1.Sample) error
}

var _ Injector = (*gatewayv1.Runtime)(nil)

// Feed observes one host surface and injects samples until stopped.
// Start is non-blocking; Stop waits for the feed's goroutines.
type Feed interface {
	Start(ctx context.Context) error
	Stop()
}
