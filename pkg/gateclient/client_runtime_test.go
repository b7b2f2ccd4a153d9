package gateclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
	"github.com/kestrelsec/kestrel/pkg/identity"
)

// End-to-end coverage over the real gate runtime: client handlers run
// on gate workers here, so in-handler checks use assert and results
// travel over channels.

type authOutcome struct {
	verdict gateway.Verdict
	flags   gateway.OpenFlags
}

func newLiveRuntime(t *testing.T, opts gatewayv1.Options) *gatewayv1.Runtime {
	t.Helper()
	rt, err := gatewayv1.NewRuntime(opts, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func newLiveClient(t *testing.T, rt *gatewayv1.Runtime, h Handler, events ...gateway.EventType) *Client {
	t.Helper()
	c, err := New(context.Background(), rt, Options{}, func(c *Client, install *HandlerInstall) error {
		if err := c.Subscribe(events...); err != nil {
			return err
		}
		return install.Install(h)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitDecision(t *testing.T, ch <-chan authOutcome) authOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the authorization outcome")
		return authOutcome{}
	}
}

func execSample(pid int32, path string) gatewayv1.Sample {
	return gatewayv1.Sample{
		Type: gateway.NotifyExec,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: path},
		},
		Payload: gateway.RawPayload{Exec: gateway.RawExec{
			Executable: gateway.RawFile{Path: path},
			Args:       []string{path},
		}},
	}
}

func unlinkAuthSample(pid int32, target string, decided chan<- authOutcome) gatewayv1.Sample {
	return gatewayv1.Sample{
		Type: gateway.AuthUnlink,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: "/usr/bin/rm"},
		},
		Payload: gateway.RawPayload{Unlink: gateway.RawUnlink{
			File: gateway.RawFile{Path: target},
		}},
		OnDecision: func(v gateway.Verdict, f gateway.OpenFlags) {
			decided <- authOutcome{verdict: v, flags: f}
		},
	}
}

func openAuthSample(pid int32, target string, flags gateway.OpenFlags, decided chan<- authOutcome) gatewayv1.Sample {
	return gatewayv1.Sample{
		Type: gateway.AuthOpen,
		Process: gateway.RawProcess{
			Token:      identity.Token{PID: pid, PIDVersion: 1},
			Executable: gateway.RawFile{Path: "/usr/bin/cat"},
		},
		Payload: gateway.RawPayload{Open: gateway.RawOpen{
			File:  gateway.RawFile{Path: target},
			Flags: flags,
		}},
		OnDecision: func(v gateway.Verdict, f gateway.OpenFlags) {
			decided <- authOutcome{verdict: v, flags: f}
		},
	}
}

func TestEndToEndRespondAllow(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{})
	newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
		unlink, err := m.Unlink()
		if assert.NoError(t, err) {
			assert.Equal(t, "/tmp/victim", unlink.File().Path())
		}
		assert.NoError(t, m.Respond(Allow()))
		return Done()
	}, gateway.AuthUnlink)

	decided := make(chan authOutcome, 1)
	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))
	assert.Equal(t, gateway.VerdictAllow, waitDecision(t, decided).verdict)
}

func TestEndToEndAutoDenyUnblocksProducer(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{})
	newLiveClient(t, rt, discardHandler, gateway.AuthUnlink)

	decided := make(chan authOutcome, 1)
	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))

	// The conservative deny lands as soon as the handler returns, long
	// before the 5s deadline would.
	assert.Equal(t, gateway.VerdictDeny, waitDecision(t, decided).verdict)
}

func TestEndToEndDeadlineThenLateRespond(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{AuthDeadline: 60 * time.Millisecond})

	lateErr := make(chan error, 1)
	newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
		time.Sleep(200 * time.Millisecond)
		lateErr <- m.Respond(Allow())
		return Done()
	}, gateway.AuthUnlink)

	decided := make(chan authOutcome, 1)
	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))

	assert.Equal(t, gateway.VerdictDeny, waitDecision(t, decided).verdict,
		"the deadline default must settle the producer")

	select {
	case err := <-lateErr:
		assert.ErrorIs(t, err, ErrAlreadyResponded, "the late respond gets duplicate semantics")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the late respond result")
	}
}

func TestEndToEndCachedAllowShortCircuits(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{CacheClearWindow: time.Hour})

	var invoked atomic.Int32
	c := newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
		invoked.Add(1)
		assert.NoError(t, m.Respond(AllowCaching()))
		return Done()
	}, gateway.AuthUnlink)

	decided := make(chan authOutcome, 1)
	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))
	assert.Equal(t, gateway.VerdictAllow, waitDecision(t, decided).verdict)
	assert.Equal(t, int32(1), invoked.Load())

	// Same event and path again: the cache answers, the handler rests.
	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))
	assert.Equal(t, gateway.VerdictAllow, waitDecision(t, decided).verdict)
	assert.Equal(t, int32(1), invoked.Load(), "cache hit must not invoke the handler")

	require.NoError(t, c.ClearCache())

	require.NoError(t, rt.Inject(unlinkAuthSample(10, "/tmp/victim", decided)))
	assert.Equal(t, gateway.VerdictAllow, waitDecision(t, decided).verdict)
	assert.Equal(t, int32(2), invoked.Load(), "cleared cache must dispatch again")

	assert.ErrorIs(t, c.ClearCache(), gateway.ErrCacheThrottled)
}

func TestEndToEndFlagsSubset(t *testing.T) {
	tests := []struct {
		name        string
		grant       gateway.OpenFlags
		wantVerdict gateway.Verdict
		wantFlags   gateway.OpenFlags
	}{
		{
			name:        "full grant allows",
			grant:       gateway.OpenRead | gateway.OpenWrite,
			wantVerdict: gateway.VerdictAllow,
			wantFlags:   gateway.OpenRead | gateway.OpenWrite,
		},
		{
			name:        "partial grant denies the request",
			grant:       gateway.OpenRead,
			wantVerdict: gateway.VerdictDeny,
			wantFlags:   gateway.OpenRead,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt := newLiveRuntime(t, gatewayv1.Options{})
			newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
				assert.NoError(t, m.RespondFlags(tc.grant, false))
				return Done()
			}, gateway.AuthOpen)

			decided := make(chan authOutcome, 1)
			s := openAuthSample(10, "/etc/shadow", gateway.OpenRead|gateway.OpenWrite, decided)
			require.NoError(t, rt.Inject(s))

			got := waitDecision(t, decided)
			assert.Equal(t, tc.wantVerdict, got.verdict)
			assert.Equal(t, tc.wantFlags, got.flags)
		})
	}
}

func TestEndToEndTierGates(t *testing.T) {
	t.Run("tier 2 runtime refuses tier 4 surface", func(t *testing.T) {
		rt := newLiveRuntime(t, gatewayv1.Options{Version: "1.1.0"})

		gated := make(chan error, 2)
		c := newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
			_, seqErr := m.SeqNum()
			gated <- seqErr
			_, globalErr := m.GlobalSeqNum()
			gated <- globalErr
			return Done()
		}, gateway.NotifyExec)

		assert.ErrorIs(t, c.Subscribe(gateway.AuthSetXattr), gateway.ErrUnsupported)
		assert.ErrorIs(t, c.MutePath("/var/log", gateway.MatchTargetLiteral), gateway.ErrUnsupported)
		assert.ErrorIs(t, c.InvertMuting(gateway.DomainProcess), gateway.ErrUnsupported)

		require.NoError(t, rt.Inject(execSample(10, "/usr/bin/true")))
		select {
		case err := <-gated:
			assert.NoError(t, err, "sequence numbers exist at tier 2")
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for the delivery")
		}
		select {
		case err := <-gated:
			assert.ErrorIs(t, err, gateway.ErrUnsupported, "global sequencing needs tier 4")
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for the delivery")
		}
	})

	t.Run("tier 4 runtime accepts it all", func(t *testing.T) {
		rt := newLiveRuntime(t, gatewayv1.Options{Version: "1.3.0"})
		c := newLiveClient(t, rt, discardHandler, gateway.NotifyExec)

		assert.NoError(t, c.Subscribe(gateway.AuthSetXattr))
		assert.NoError(t, c.MutePath("/var/log", gateway.MatchTargetLiteral))
		assert.NoError(t, c.InvertMuting(gateway.DomainTargetPath))
	})
}

func TestEndToEndMuteRestoresDelivery(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{Workers: 1})

	delivered := make(chan int32, 16)
	c := newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
		delivered <- m.Process().PID()
		return Done()
	}, gateway.NotifyExec)

	waitPID := func() int32 {
		select {
		case pid := <-delivered:
			return pid
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for a delivery")
			return 0
		}
	}

	require.NoError(t, rt.Inject(execSample(10, "/usr/bin/true")))
	assert.Equal(t, int32(10), waitPID())

	require.NoError(t, c.MuteProcess(identity.Token{PID: 10, PIDVersion: 1}))
	// One worker keeps ordering: the muted event would surface before
	// the sentinel if it were delivered at all.
	require.NoError(t, rt.Inject(execSample(10, "/usr/bin/true")))
	require.NoError(t, rt.Inject(execSample(11, "/usr/bin/false")))
	assert.Equal(t, int32(11), waitPID(), "muted process delivered through the mute window")

	require.NoError(t, c.UnmuteProcess(identity.Token{PID: 10, PIDVersion: 1}))
	require.NoError(t, rt.Inject(execSample(10, "/usr/bin/true")))
	assert.Equal(t, int32(10), waitPID(), "unmute must restore delivery")
}

func TestEndToEndInvertedMutingSelectsIn(t *testing.T) {
	rt := newLiveRuntime(t, gatewayv1.Options{Workers: 1})

	delivered := make(chan int32, 16)
	c := newLiveClient(t, rt, func(_ *Client, m *Message) HandlerOutcome {
		delivered <- m.Process().PID()
		return Done()
	}, gateway.NotifyExec)

	require.NoError(t, c.MuteProcess(identity.Token{PID: 10, PIDVersion: 1}))
	require.NoError(t, c.InvertMuting(gateway.DomainProcess))

	// Inverted: only the selected process comes through.
	require.NoError(t, rt.Inject(execSample(11, "/usr/bin/false")))
	require.NoError(t, rt.Inject(execSample(10, "/usr/bin/true")))

	select {
	case pid := <-delivered:
		assert.Equal(t, int32(10), pid, "inversion must select the muted process in")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the selected delivery")
	}
}
