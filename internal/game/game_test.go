package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/engine"
	"github.com/lattice-games/server/internal/lobby"
	"github.com/lattice-games/server/internal/protocol"
)

func newLobbyMember(id, username string) (*lobby.Member, chan protocol.Message) {
	out := make(chan protocol.Message, 32)
	h := connection.NewHandle(out)
	return &lobby.Member{ID: id, Username: username, Handle: h}, out
}

func referenceFactory(colors []engine.Color) engine.Automaton {
	return engine.NewReference(colors)
}

// runGame starts g's request-servicing loop in the background for tests
// that only exercise Join/Leave/Dispatch directly, without driving the
// full phase cycle to completion.
func runGame(t *testing.T, g *Game) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx) }()
	return cancel
}

func drainAll(ch chan protocol.Message) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSinglePlayerGameReachesGameOverOnResign(t *testing.T) {
	member, out := newLobbyMember("p1", "alice")
	g := New("lobby1", "default", []*lobby.Member{member}, 0, referenceFactory, nil, nil, true, nil, MatchContext{MatchType: "FriendlyOneVsOne"})
	g.SetStagingGraceForTest(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- g.Run(ctx) }()

	// Drain the start-of-match sequence New queued, then Sync to pass Rest.
	time.Sleep(20 * time.Millisecond)
	drainAll(out)
	require.NoError(t, g.Dispatch(ctx, "p1", &protocol.Sync{}))

	// Resign: with one color, checkGameOver fires immediately.
	require.NoError(t, g.Dispatch(ctx, "p1", &protocol.Resign{}))

	// The match now lingers post-game until the last client leaves.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Leave(ctx, "p1"))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected game to reach game-over, linger, and return after Leave")
	}
}

func TestDispatchRejectsOrdersFromDefeatedPlayer(t *testing.T) {
	member, _ := newLobbyMember("p1", "alice")
	g := New("lobby2", "default", []*lobby.Member{member}, 0, referenceFactory, nil, nil, true, nil, MatchContext{})
	cancel := runGame(t, g)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, g.Dispatch(ctx, "p1", &protocol.Resign{}))
	err := g.Dispatch(ctx, "p1", &protocol.Orders{})
	require.Error(t, err)
}

func TestJoinRestoresKnownPlayerAndSendsGameAnnouncement(t *testing.T) {
	member, out := newLobbyMember("p1", "alice")
	g := New("lobby3", "default", []*lobby.Member{member}, 0, referenceFactory, nil, nil, true, nil, MatchContext{})
	cancel := runGame(t, g)
	defer cancel()
	ctx := context.Background()
	drainAll(out) // discard the start-of-match sequence New queued

	newOut := make(chan protocol.Message, 32)
	reconnect := connection.Member{ID: "p1", Login: connection.LoginData{Username: "alice"}, Handle: connection.NewHandle(newOut)}
	require.NoError(t, g.Join(ctx, reconnect, ""))

	msgs := drainAll(newOut)
	require.NotEmpty(t, msgs)
	gameMsg, ok := msgs[0].(*protocol.Game)
	require.True(t, ok)
	require.Equal(t, "player", gameMsg.Role)
}

func TestJoinDeniedForUnknownClientInPrivateMatch(t *testing.T) {
	member, _ := newLobbyMember("p1", "alice")
	g := New("lobby4", "default", []*lobby.Member{member}, 0, referenceFactory, nil, nil, false, func(string) bool { return false }, MatchContext{})
	cancel := runGame(t, g)
	defer cancel()
	ctx := context.Background()

	stranger := connection.Member{ID: "ghost", Login: connection.LoginData{Username: "bob"}, Handle: connection.NewHandle(make(chan protocol.Message, 4))}
	err := g.Join(ctx, stranger, "bogus")
	require.Error(t, err)
}

func TestNewReservesExtraColorForLocalBot(t *testing.T) {
	member, out := newLobbyMember("p1", "alice")
	g := New("lobby-tutorial", "default", []*lobby.Member{member}, 1, referenceFactory, nil, nil, false, nil,
		MatchContext{MatchType: "Tutorial", Briefing: "Welcome to the tutorial."})

	color, ok := g.soleLocalBotColor()
	require.True(t, ok)
	g.AddLocalBot(color, passiveBot{})

	msgs := drainAll(out)
	require.NotEmpty(t, msgs)
	briefed := false
	for _, m := range msgs {
		if b, ok := m.(*protocol.Briefing); ok {
			briefed = true
			require.Equal(t, "Welcome to the tutorial.", b.Text)
		}
	}
	require.True(t, briefed, "expected a Briefing message for the solo tutorial participant")

	cancel := runGame(t, g)
	defer cancel()
}

func TestStarterStartTutorialPairsSoloMemberWithLocalBot(t *testing.T) {
	s := NewStarter(referenceFactory, nil, nil)
	member, out := newLobbyMember("p1", "alice")

	handle, err := s.StartTutorial(context.Background(), "lobby-tut", member, "intro-1", "Welcome.")
	require.NoError(t, err)
	require.NotNil(t, handle)

	msgs := drainAll(out)
	var gameMsg *protocol.Game
	for _, m := range msgs {
		if g, ok := m.(*protocol.Game); ok {
			gameMsg = g
		}
	}
	require.NotNil(t, gameMsg)
	require.Equal(t, "player", gameMsg.Role)
}

func TestLeaveDuringMatchPoisonsHandleWithoutForgettingStanding(t *testing.T) {
	member, out := newLobbyMember("p1", "alice")
	// bob stays connected, so the match is not abandoned while alice is away.
	other, _ := newLobbyMember("p2", "bob")
	g := New("lobby5", "default", []*lobby.Member{member, other}, 0, referenceFactory, nil, nil, true, nil, MatchContext{})
	cancel := runGame(t, g)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, g.Leave(ctx, "p1"))

	// A later rejoin should still find the original standing (role
	// restored as player), proving Leave did not delete the participant
	// mid-match.
	drainAll(out)
	newOut := make(chan protocol.Message, 32)
	reconnect := connection.Member{ID: "p1", Login: connection.LoginData{Username: "alice"}, Handle: connection.NewHandle(newOut)}
	require.NoError(t, g.Join(ctx, reconnect, ""))
	msgs := drainAll(newOut)
	require.NotEmpty(t, msgs)
	gameMsg, ok := msgs[0].(*protocol.Game)
	require.True(t, ok)
	require.Equal(t, "player", gameMsg.Role)
}
