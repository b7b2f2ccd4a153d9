package v1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
	"github.com/kestrelsec/kestrel/pkg/metricsmanager"
)

func openSample(pid int32, exec, target string) Sample {
	return Sample{
		Type: gateway.NotifyOpen,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: exec},
		},
		Payload: gateway.RawPayload{
			Open: gateway.RawOpen{
				File:  gateway.RawFile{Path: target},
				Flags: gateway.OpenRead,
			},
		},
	}
}

func TestMuteByProcess(t *testing.T) {
	metrics := metricsmanager.NewMetricsMock()
	r, err := NewRuntime(Options{Workers: 1}, metrics)
	require.NoError(t, err)
	defer r.Close()

	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyExec)

	noisy := identity.Token{PID: 77, PIDVersion: 1}
	rule := gateway.MuteProcessRule(noisy)
	require.NoError(t, r.Mute(id, rule))

	require.NoError(t, r.Inject(execSample(77, "/bin/noise")))
	require.NoError(t, r.Inject(execSample(78, "/bin/signal")))

	ev := waitEvent(t, delivered)
	assert.Equal(t, int32(78), ev.Process.Token.PID)
	assert.Equal(t, int32(1), metrics.MuteDropCounter.Load())

	require.NoError(t, r.Unmute(id, rule))
	require.NoError(t, r.Inject(execSample(77, "/bin/noise")))
	ev = waitEvent(t, delivered)
	assert.Equal(t, int32(77), ev.Process.Token.PID)

	assert.ErrorIs(t, r.Unmute(id, rule), gateway.ErrRuleNotFound)
}

func TestMutePathPrefixComponents(t *testing.T) {
	tests := []struct {
		name      string
		mutedPath string
		execPath  string
		dropped   bool
	}{
		{name: "direct child", mutedPath: "/usr/bin", execPath: "/usr/bin/true", dropped: true},
		{name: "nested child", mutedPath: "/usr", execPath: "/usr/bin/true", dropped: true},
		{name: "the path itself", mutedPath: "/usr/bin/true", execPath: "/usr/bin/true", dropped: true},
		{name: "sibling tree", mutedPath: "/usr/bin", execPath: "/usr/local/bin/tool", dropped: false},
		{name: "partial component is no prefix", mutedPath: "/usr/b", execPath: "/usr/bin/true", dropped: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRuntime(t, Options{Workers: 1})
			delivered := make(chan gateway.RawEvent, 8)
			id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
				delivered <- *ev
			}), gateway.NotifyExec)

			require.NoError(t, r.Mute(id, gateway.MutePathRule(tt.mutedPath, gateway.MatchPrefix)))
			require.NoError(t, r.Inject(execSample(10, tt.execPath)))
			require.NoError(t, r.Inject(execSample(11, "/sentinel")))

			ev := waitEvent(t, delivered)
			if tt.dropped {
				assert.Equal(t, "/sentinel", ev.Process.Executable.Path)
			} else {
				assert.Equal(t, tt.execPath, ev.Process.Executable.Path)
			}
		})
	}
}

func TestMutePathMatchesActingProcessNotTarget(t *testing.T) {
	r := newTestRuntime(t, Options{Workers: 1})
	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyOpen)

	require.NoError(t, r.Mute(id, gateway.MutePathRule("/usr/bin", gateway.MatchPrefix)))

	// Muted binary touching an unmuted file: still dropped.
	require.NoError(t, r.Inject(openSample(20, "/usr/bin/cat", "/data/report")))
	// Unmuted binary touching a path under the muted tree: delivered.
	require.NoError(t, r.Inject(openSample(21, "/opt/tool", "/usr/bin/cat")))

	ev := waitEvent(t, delivered)
	assert.Equal(t, "/opt/tool", ev.Process.Executable.Path)
}

func TestMuteTargetPath(t *testing.T) {
	r := newTestRuntime(t, Options{Workers: 1})
	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyOpen)

	require.NoError(t, r.Mute(id, gateway.MutePathRule("/var/log", gateway.MatchTargetPrefix)))
	require.NoError(t, r.Mute(id, gateway.MutePathRule("/etc/shadow", gateway.MatchTargetLiteral)))

	require.NoError(t, r.Inject(openSample(30, "/bin/cat", "/var/log/syslog")))
	require.NoError(t, r.Inject(openSample(30, "/bin/cat", "/etc/shadow")))
	require.NoError(t, r.Inject(openSample(30, "/bin/cat", "/etc/passwd")))

	ev := waitEvent(t, delivered)
	assert.Equal(t, "/etc/passwd", ev.Payload.Open.File.Path)
}

func TestMuteEventsRestriction(t *testing.T) {
	r := newTestRuntime(t, Options{Workers: 1})
	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyExec, gateway.NotifyOpen)

	rule := gateway.MuteProcessRule(identity.Token{PID: 40, PIDVersion: 1})
	rule.Events = []gateway.EventType{gateway.NotifyExec}
	require.NoError(t, r.Mute(id, rule))

	require.NoError(t, r.Inject(execSample(40, "/bin/busy")))
	require.NoError(t, r.Inject(openSample(40, "/bin/busy", "/tmp/file")))

	ev := waitEvent(t, delivered)
	assert.Equal(t, gateway.NotifyOpen, ev.Type)
}

func TestMuteTierGates(t *testing.T) {
	tests := []struct {
		name    string
		version string
		rule    gateway.MuteRule
		wantErr error
	}{
		{
			name:    "process rule at base tier",
			version: "1.0.0",
			rule:    gateway.MuteProcessRule(identity.Token{PID: 1, PIDVersion: 1}),
		},
		{
			name:    "path rule needs tier 2",
			version: "1.0.0",
			rule:    gateway.MutePathRule("/usr", gateway.MatchPrefix),
			wantErr: gateway.ErrUnsupported,
		},
		{
			name:    "path rule at tier 2",
			version: "1.1.0",
			rule:    gateway.MutePathRule("/usr", gateway.MatchPrefix),
		},
		{
			name:    "target rule needs tier 4",
			version: "1.2.0",
			rule:    gateway.MutePathRule("/usr", gateway.MatchTargetPrefix),
			wantErr: gateway.ErrUnsupported,
		},
		{
			name:    "event-restricted rule needs tier 4",
			version: "1.2.0",
			rule: gateway.MuteRule{
				Kind:    gateway.MuteByProcess,
				Process: identity.Token{PID: 1, PIDVersion: 1},
				Events:  []gateway.EventType{gateway.NotifyExec},
			},
			wantErr: gateway.ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRuntime(t, Options{Version: tt.version})
			id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {}))
			err := r.Mute(id, tt.rule)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInvertMuting(t *testing.T) {
	r := newTestRuntime(t, Options{Workers: 1})
	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyExec)

	assert.ErrorIs(t, r.InvertMuting(id, gateway.MuteDomain(9)), gateway.ErrInvalidArgument)

	require.NoError(t, r.Mute(id, gateway.MutePathRule("/usr/bin", gateway.MatchPrefix)))
	require.NoError(t, r.InvertMuting(id, gateway.DomainPath))
	inverted, err := r.MutingInverted(id, gateway.DomainPath)
	require.NoError(t, err)
	assert.True(t, inverted)

	// Inverted: only matching events survive.
	require.NoError(t, r.Inject(execSample(50, "/bin/elsewhere")))
	require.NoError(t, r.Inject(execSample(51, "/usr/bin/kept")))
	ev := waitEvent(t, delivered)
	assert.Equal(t, "/usr/bin/kept", ev.Process.Executable.Path)

	// Toggling back restores suppress-matching.
	require.NoError(t, r.InvertMuting(id, gateway.DomainPath))
	inverted, err = r.MutingInverted(id, gateway.DomainPath)
	require.NoError(t, err)
	assert.False(t, inverted)

	require.NoError(t, r.Inject(execSample(52, "/usr/bin/dropped")))
	require.NoError(t, r.Inject(execSample(53, "/bin/elsewhere")))
	ev = waitEvent(t, delivered)
	assert.Equal(t, "/bin/elsewhere", ev.Process.Executable.Path)
}

func TestInvertMutingTierGate(t *testing.T) {
	r := newTestRuntime(t, Options{Version: "1.2.0"})
	id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {}))
	assert.ErrorIs(t, r.InvertMuting(id, gateway.DomainProcess), gateway.ErrUnsupported)
}

func TestMutedAuthSettlesNeutral(t *testing.T) {
	metrics := metricsmanager.NewMetricsMock()
	r, err := NewRuntime(Options{Workers: 1}, metrics)
	require.NoError(t, err)
	defer r.Close()

	var deliveries int
	id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {
		deliveries++
	}), gateway.AuthUnlink)
	require.NoError(t, r.Mute(id, gateway.MutePathRule("/tmp/quiet", gateway.MatchTargetLiteral)))

	decisions := make(chan outcome, 1)
	sample := unlinkAuthSample(60, "/tmp/quiet")
	sample.OnDecision = func(v gateway.Verdict, f gateway.OpenFlags) {
		decisions <- outcome{verdict: v, flags: f}
	}
	require.NoError(t, r.Inject(sample))

	got := waitOutcome(t, decisions)
	assert.Equal(t, gateway.VerdictAllow, got.verdict)
	assert.Equal(t, int32(1), metrics.MuteDropCounter.Load())

	// Drain the single worker before reading the local counter.
	r.Close()
	assert.Zero(t, deliveries)
}

func TestMutedRulesListing(t *testing.T) {
	r := newTestRuntime(t, Options{})
	id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {}))

	rules := []gateway.MuteRule{
		gateway.MuteProcessRule(identity.Token{PID: 9, PIDVersion: 2}),
		gateway.MutePathRule("/opt", gateway.MatchPrefix),
		gateway.MutePathRule("/etc/hosts", gateway.MatchTargetLiteral),
	}
	for _, rule := range rules {
		require.NoError(t, r.Mute(id, rule))
	}
	// Installing the same predicate twice keeps one rule.
	require.NoError(t, r.Mute(id, gateway.MutePathRule("/opt", gateway.MatchPrefix)))

	got, err := r.MutedRules(id)
	require.NoError(t, err)
	require.Len(t, got, len(rules))
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Key(), got[i].Key())
	}
}
