package v1

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

type sinkFunc func(ev *gateway.RawEvent)

func (f sinkFunc) Deliver(ev *gateway.RawEvent) { f(ev) }

// outcome captures what OnDecision reported.
type outcome struct {
	verdict gateway.Verdict
	flags   gateway.OpenFlags
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	r, err := NewRuntime(opts, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func connectSink(t *testing.T, r *Runtime, sink gateway.EventSink, events ...gateway.EventType) gateway.ConnectionID {
	t.Helper()
	id, err := r.Connect(context.Background(), sink)
	require.NoError(t, err)
	if len(events) > 0 {
		require.NoError(t, r.Subscribe(id, events...))
	}
	return id
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a decision")
		return outcome{}
	}
}

func waitEvent(t *testing.T, ch <-chan gateway.RawEvent) gateway.RawEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return gateway.RawEvent{}
	}
}

func execSample(pid int32, path string) Sample {
	return Sample{
		Type: gateway.NotifyExec,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			PPID:       1,
			Executable: gateway.RawFile{Path: path},
		},
		Payload: gateway.RawPayload{
			Exec: gateway.RawExec{
				Executable: gateway.RawFile{Path: path},
				Args:       []string{path},
				CWD:        "/",
			},
		},
	}
}

func unlinkAuthSample(pid int32, target string) Sample {
	return Sample{
		Type: gateway.AuthUnlink,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: "/bin/rm"},
		},
		Payload: gateway.RawPayload{
			Unlink: gateway.RawUnlink{
				File:      gateway.RawFile{Path: target},
				ParentDir: "/tmp",
			},
		},
	}
}

func openAuthSample(pid int32, target string, flags gateway.OpenFlags) Sample {
	return Sample{
		Type: gateway.AuthOpen,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: "/bin/cat"},
		},
		Payload: gateway.RawPayload{
			Open: gateway.RawOpen{
				File:  gateway.RawFile{Path: target},
				Flags: flags,
			},
		},
	}
}

func TestNewRuntimeVersionGate(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
		tier    gateway.Tier
	}{
		{name: "garbage version", version: "not-a-version", wantErr: true},
		{name: "below base floor", version: "0.9.0", wantErr: true},
		{name: "base floor", version: "1.0.0", tier: gateway.Tier1},
		{name: "mid ladder", version: "1.1.5", tier: gateway.Tier2},
		{name: "top of ladder", version: "1.3.0", tier: gateway.Tier4},
		{name: "past the ladder", version: "2.0.0", tier: gateway.Tier4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRuntime(Options{Version: tt.version}, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, tt.tier, r.Tier())
			assert.Equal(t, tt.version, r.Version().String())
		})
	}
}

func TestConnectRefusals(t *testing.T) {
	r := newTestRuntime(t, Options{MaxConnections: 1})
	sink := sinkFunc(func(*gateway.RawEvent) {})

	_, err := r.Connect(context.Background(), nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidArgument)

	_, err = r.Connect(context.Background(), sink)
	require.NoError(t, err)
	_, err = r.Connect(context.Background(), sink)
	assert.ErrorIs(t, err, gateway.ErrTooManyClients)
}

func TestConnectAfterClose(t *testing.T) {
	r := newTestRuntime(t, Options{})
	r.Close()
	_, err := r.Connect(context.Background(), sinkFunc(func(*gateway.RawEvent) {}))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestUnknownConnection(t *testing.T) {
	r := newTestRuntime(t, Options{})
	const id = gateway.ConnectionID("nope")

	assert.ErrorIs(t, r.Disconnect(id), gateway.ErrUnknownConnection)
	assert.ErrorIs(t, r.Subscribe(id, gateway.NotifyExec), gateway.ErrUnknownConnection)
	assert.ErrorIs(t, r.UnsubscribeAll(id), gateway.ErrUnknownConnection)
	assert.ErrorIs(t, r.Mute(id, gateway.MutePathRule("/x", gateway.MatchLiteral)), gateway.ErrUnknownConnection)
	assert.ErrorIs(t, r.ClearCache(id), gateway.ErrUnknownConnection)
	assert.ErrorIs(t, r.RespondVerdict(id, 1, gateway.VerdictAllow, false), gateway.ErrUnknownConnection)
	_, err := r.Subscriptions(id)
	assert.ErrorIs(t, err, gateway.ErrUnknownConnection)
}

func TestSubscriptionLifecycle(t *testing.T) {
	r := newTestRuntime(t, Options{})
	id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {}))

	require.NoError(t, r.Subscribe(id, gateway.NotifyOpen, gateway.NotifyExec, gateway.AuthUnlink))
	subs, err := r.Subscriptions(id)
	require.NoError(t, err)
	assert.Equal(t, []gateway.EventType{gateway.AuthUnlink, gateway.NotifyExec, gateway.NotifyOpen}, subs)

	require.NoError(t, r.Unsubscribe(id, gateway.NotifyOpen))
	subs, err = r.Subscriptions(id)
	require.NoError(t, err)
	assert.NotContains(t, subs, gateway.NotifyOpen)

	require.NoError(t, r.UnsubscribeAll(id))
	subs, err = r.Subscriptions(id)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribeTierGate(t *testing.T) {
	r := newTestRuntime(t, Options{Version: "1.0.0"})
	id := connectSink(t, r, sinkFunc(func(*gateway.RawEvent) {}))

	err := r.Subscribe(id, gateway.NotifyExec, gateway.AuthSetXattr)
	assert.ErrorIs(t, err, gateway.ErrUnsupported)
	// The refused batch must not partially apply.
	subs, serr := r.Subscriptions(id)
	require.NoError(t, serr)
	assert.Empty(t, subs)

	assert.ErrorIs(t, r.Subscribe(id, gateway.EventType(999)), gateway.ErrInvalidArgument)
	assert.ErrorIs(t, r.Subscribe(id, gateway.AuthMount), gateway.ErrUnsupported)
	assert.NoError(t, r.Subscribe(id, gateway.AuthExec))
}

func TestDisconnectStopsDeliveries(t *testing.T) {
	r := newTestRuntime(t, Options{Workers: 1})
	delivered := make(chan gateway.RawEvent, 8)
	id := connectSink(t, r, sinkFunc(func(ev *gateway.RawEvent) {
		delivered <- *ev
	}), gateway.NotifyExec)

	require.NoError(t, r.Inject(execSample(100, "/bin/true")))
	waitEvent(t, delivered)

	require.NoError(t, r.Disconnect(id))
	assert.ErrorIs(t, r.Disconnect(id), gateway.ErrUnknownConnection)

	require.NoError(t, r.Inject(execSample(100, "/bin/true")))
	select {
	case <-delivered:
		t.Fatal("delivery after disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}
