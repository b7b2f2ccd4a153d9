//go:build !linux
// +build !linux

package v1

import (
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

func newFanotifyFeed(_ FileFeedOptions, _ hostfeed.Injector, _ metricsmanager.MetricsManager) (hostfeed.Feed, error) {
	return nil, fmt.Errorf("file feed backend %q requires linux: %w", config.FileFeedFanotify, gateway.ErrUnsupported)
}
