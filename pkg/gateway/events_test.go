package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTypeAction(t *testing.T) {
	tests := []struct {
		event EventType
		want  ActionType
	}{
		{event: AuthExec, want: ActionAuth},
		{event: AuthOpen, want: ActionAuth},
		{event: AuthMount, want: ActionAuth},
		{event: AuthSetXattr, want: ActionAuth},
		{event: NotifyExec, want: ActionNotify},
		{event: NotifyFork, want: ActionNotify},
		{event: NotifyExit, want: ActionNotify},
		{event: NotifyUnmount, want: ActionNotify},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Action())
		})
	}
}

func TestEventTypeResponseKind(t *testing.T) {
	// Open authorizations answer with a flags subset, every other
	// authorization with a verdict, notifications with nothing.
	assert.Equal(t, ResponseFlags, AuthOpen.Response())
	assert.Equal(t, ResponseVerdict, AuthExec.Response())
	assert.Equal(t, ResponseVerdict, AuthUnlink.Response())
	assert.Equal(t, ResponseNone, NotifyOpen.Response())
	assert.Equal(t, ResponseNone, NotifyExit.Response())
}

func TestEventTypeMinTier(t *testing.T) {
	tests := []struct {
		event EventType
		want  Tier
	}{
		{event: AuthExec, want: Tier1},
		{event: NotifyUnlink, want: Tier1},
		{event: AuthMount, want: Tier2},
		{event: NotifyUnmount, want: Tier2},
		{event: NotifySetMode, want: Tier3},
		{event: AuthSetXattr, want: Tier4},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.MinTier())
		})
	}
}

func TestAllEventTypesValid(t *testing.T) {
	all := AllEventTypes()
	assert.Len(t, all, 21)
	for _, e := range all {
		assert.True(t, e.Valid(), "event %d", e)
		assert.NotEqual(t, "invalid", e.String())
	}
	assert.False(t, EventTypeInvalid.Valid())
	assert.False(t, EventType(999).Valid())
}
