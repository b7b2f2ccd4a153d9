package v1

import (
	"os"
	"strings"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/identity"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

// observerProcess describes the feed's own process. Watchers that read
// the filesystem or the mount table cannot see the acting process, so
// their samples carry the observer instead. GateClient is set so
// handlers can recognize and skip self-induced noise.
func observerProcess() gateway.RawProcess {
	pid := int32(os.Getpid())
	tok, err := identity.FromPID(pid)
	if err != nil {
		tok = identity.Token{PID: pid}
	}
	p := gateway.RawProcess{
		Token:        tok,
		PPID:         int32(os.Getppid()),
		OriginalPPID: int32(os.Getppid()),
		SessionID:    int32(tok.SessionID),
		GateClient:   true,
	}
	if exe, err := os.Executable(); err == nil {
		p.Executable = gateway.RawFile{Path: exe}
	}
	return p
}

// injectSample offers one sample to the gate and keeps score. Refusals
// are not fatal to a feed; a gate pinned at a lower tier legitimately
// rejects event kinds above it.
func injectSample(injector hostfeed.Injector, metrics metricsmanager.MetricsManager, feed string, s gatewayv1.Sample) {
	if err := injector.Inject(s); err != nil {
		logger.L().Debug("feed sample refused",
			helpers.String("feed", feed),
			helpers.String("event", s.Type.String()),
			helpers.Error(err))
		metrics.ReportFeedFailure(feed)
		return
	}
	metrics.ReportFeedSample(feed)
}

// stripHostRoot turns a watched path back into host-relative form. The
// runtime roots delivered paths itself, so samples must not carry the
// prefix twice.
func stripHostRoot(root, full string) string {
	if root == "" || root == "/" {
		return full
	}
	if strings.HasPrefix(full, root) {
		rel := strings.TrimPrefix(full, root)
		if !strings.HasPrefix(rel, "/") {
			rel = "/" + rel
		}
		return rel
	}
	return full
}
