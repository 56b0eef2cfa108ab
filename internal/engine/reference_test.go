package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/protocol"
)

func twoColorReference() *Reference {
	return NewReference([]Color{ColorRed, ColorBlue})
}

func TestReferenceActProducesChangesForEachLiveColor(t *testing.T) {
	r := twoColorReference()
	require.False(t, r.IsActive())

	cs := r.Act()
	require.NotEmpty(t, cs.Get(ColorViewer(ColorRed)))
	require.NotEmpty(t, cs.Get(ColorViewer(ColorBlue)))
	require.False(t, r.IsActive())
}

func TestReferencePrepareActivatesEngineAndScoresOrders(t *testing.T) {
	r := twoColorReference()
	r.Act()

	r.Receive(ColorRed, []protocol.RawChange{protocol.RawChange(`{"type":"move"}`)})
	r.Prepare()

	require.True(t, r.IsActive())
	require.Equal(t, 1, r.Score(ColorRed))
	require.Equal(t, 0, r.Score(ColorBlue))
}

func TestReferenceResignMarksDefeatedAndEndsTwoPlayerGame(t *testing.T) {
	r := twoColorReference()
	r.Resign(ColorRed)

	defeated := r.Defeated()
	require.Contains(t, defeated, ColorRed)
	require.True(t, r.IsGameOver())

	// A second call without a new resignation reports nothing further.
	require.Empty(t, r.Defeated())
}

func TestReferenceRejoinProducesAReplay(t *testing.T) {
	r := twoColorReference()
	r.Act()

	replay := r.Rejoin(ColorViewer(ColorBlue))
	require.NotEmpty(t, replay)
}

var _ Automaton = (*Reference)(nil)
