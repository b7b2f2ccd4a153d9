package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/gateclient"
	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/hostfeed"
	hostfeedv1 "github.com/kestrelsec/kestrel/pkg/hostfeed/v1"
	"github.com/kestrelsec/kestrel/pkg/identity"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
	metricsprometheus "github.com/kestrelsec/kestrel/pkg/metricsmanager/prometheus"
)

func main() {
	ctx := context.Background()

	configDir := "/etc/config"
	if envPath := os.Getenv("CONFIG_DIR"); envPath != "" {
		configDir = envPath
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("load config error", helpers.Error(err))
	}
	if cfg.LogLevel != "" {
		if err := logger.L().SetLevel(cfg.LogLevel); err != nil {
			logger.L().Warning("invalid log level, keeping default",
				helpers.String("logLevel", cfg.LogLevel), helpers.Error(err))
		}
	}

	var metrics metricsmanager.MetricsManager
	if cfg.EnablePrometheusExporter {
		metrics = metricsprometheus.NewPrometheusMetric()
	} else {
		metrics = metricsmanager.NewMetricsMock()
	}
	metrics.Start()
	defer metrics.Destroy()

	rt, err := gatewayv1.NewRuntime(gatewayv1.OptionsFromConfig(cfg), metrics)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("error creating the gate runtime", helpers.Error(err))
	}
	defer rt.Close()

	var feeds []hostfeed.Feed
	if cfg.EnableExecFeed {
		feeds = append(feeds, hostfeedv1.NewExecFeed(hostfeedv1.ExecFeedOptions{
			Interval: cfg.ExecPollInterval,
		}, rt, metrics))
	}
	if cfg.EnableFileFeed {
		feed, err := hostfeedv1.NewFileFeed(hostfeedv1.FileFeedOptions{
			Backend:  cfg.FileFeedBackend,
			HostRoot: cfg.HostRoot,
			Paths:    cfg.WatchPaths,
		}, rt, metrics)
		if err != nil {
			logger.L().Ctx(ctx).Fatal("error creating the file feed", helpers.Error(err))
		}
		feeds = append(feeds, feed)
	}
	if cfg.EnableMountFeed {
		feeds = append(feeds, hostfeedv1.NewMountFeed(hostfeedv1.MountFeedOptions{
			Interval: cfg.MountPollInterval,
		}, rt, metrics))
	}
	for _, f := range feeds {
		if err := f.Start(ctx); err != nil {
			// A feed that cannot start degrades coverage, not the gate.
			logger.L().Ctx(ctx).Error("error starting a host feed", helpers.Error(err))
			continue
		}
		defer f.Stop()
	}

	var execSeen atomic.Uint64
	client, err := gateclient.New(ctx, rt, gateclient.Options{
		AllowPIDIdentity: cfg.EnablePIDIdentity,
		Metrics:          metrics,
	}, func(c *gateclient.Client, install *gateclient.HandlerInstall) error {
		if err := c.Subscribe(
			gateway.NotifyExec,
			gateway.NotifyOpen,
			gateway.NotifyWrite,
			gateway.NotifyUnlink,
			gateway.NotifyMount,
			gateway.NotifyUnmount,
			gateway.AuthOpen,
		); err != nil {
			return err
		}
		return install.Install(func(_ *gateclient.Client, m *gateclient.Message) gateclient.HandlerOutcome {
			switch m.EventType() {
			case gateway.NotifyExec:
				execSeen.Add(1)
				if ev, err := m.Exec(); err == nil {
					logger.L().Debug("exec observed",
						helpers.String("path", ev.Executable().Path()),
						helpers.Int("pid", int(m.Process().PID())))
				}
			case gateway.AuthOpen:
				open, err := m.Open()
				if err != nil {
					return gateclient.Decide(gateclient.Deny())
				}
				// Demo policy: anything under /etc opens read-only.
				granted := open.Flags()
				if strings.HasPrefix(open.File().Path(), "/etc/") {
					granted &= gateway.OpenRead
				}
				if err := m.RespondFlags(granted, false); err != nil {
					logger.L().Warning("auth response failed", helpers.Error(err))
				}
			case gateway.NotifyMount, gateway.NotifyUnmount:
				logger.L().Info("mount table changed", helpers.String("event", m.EventType().String()))
			}
			return gateclient.Done()
		})
	})
	if err != nil {
		logger.L().Ctx(ctx).Fatal("error creating the gate client", helpers.Error(err))
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.L().Warning("client teardown", helpers.Error(err))
		}
	}()

	if cfg.EnablePIDIdentity {
		if tok, err := client.IdentityFromPID(int32(os.Getpid())); err == nil {
			logger.L().Info("agent identity", helpers.String("token", tok.String()))
		}
	}

	probeCtx, probeCancel := context.WithCancel(ctx)
	defer probeCancel()
	go authProbe(probeCtx, rt, client, &execSeen)

	logger.L().Info("kestrel agent up",
		helpers.String("gateVersion", cfg.GateVersion),
		helpers.Int("feeds", len(feeds)))

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.L().Info("received shutdown signal", helpers.String("signal", sig.String()))
}

// authProbe keeps the authorization path warm: a canary open is
// injected periodically and the decision logged, so a quiet host still
// demonstrates verdict flow end to end.
func authProbe(ctx context.Context, rt *gatewayv1.Runtime, c *gateclient.Client, execSeen *atomic.Uint64) {
	proc := gateway.RawProcess{Token: identity.Token{PID: int32(os.Getpid())}}
	if tok, err := identity.FromPID(int32(os.Getpid())); err == nil {
		proc.Token = tok
	}
	if exe, err := os.Executable(); err == nil {
		proc.Executable = gateway.RawFile{Path: exe}
	}
	proc.GateClient = true

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := rt.Inject(gatewayv1.Sample{
				Type:    gateway.AuthOpen,
				Process: proc,
				Payload: gateway.RawPayload{Open: gateway.RawOpen{
					File:  gateway.RawFile{Path: "/etc/kestrel/canary"},
					Flags: gateway.OpenRead | gateway.OpenWrite,
				}},
				OnDecision: func(v gateway.Verdict, flags gateway.OpenFlags) {
					logger.L().Info("canary open decided",
						helpers.String("verdict", v.String()),
						helpers.Int("grantedFlags", int(flags)),
						helpers.Interface("execsSeen", execSeen.Load()),
						helpers.Interface("stats", c.Stats()))
				},
			})
			if err != nil {
				logger.L().Warning("canary injection failed", helpers.Error(err))
			}
		}
	}
}
