package killer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesCurrentStateFirst(t *testing.T) {
	k := New()
	ch := k.Subscribe()
	require.Equal(t, StateOpen, <-ch)
}

func TestFirstKillEntersClosing(t *testing.T) {
	k := New()
	ch := k.Subscribe()
	<-ch // initial Open

	require.Equal(t, StateClosing, k.Kill())
	require.Equal(t, StateClosing, <-ch)
}

func TestSecondKillEntersClosed(t *testing.T) {
	k := New()
	ch := k.Subscribe()
	<-ch

	k.Kill()
	<-ch
	require.Equal(t, StateClosed, k.Kill())
	require.Equal(t, StateClosed, <-ch)
}

func TestLateSubscriberSeesCurrentState(t *testing.T) {
	k := New()
	k.Kill()

	ch := k.Subscribe()
	require.Equal(t, StateClosing, <-ch)
}
