package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/protocol"
)

func newMember(id, username string) (connection.Member, chan protocol.Message) {
	out := make(chan protocol.Message, 8)
	h := connection.NewHandle(out)
	return connection.Member{ID: id, Login: connection.LoginData{UserID: id, Username: username}, Handle: h}, out
}

func runLobby(t *testing.T, l *Lobby) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { l.Run(ctx) }()
	return cancel
}

func TestJoinPublicLobbySucceedsAndIssuesSecrets(t *testing.T) {
	l := New("lobby1", "Friendly Game", VisibilityPublic)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	m, out := newMember("a", "alice")
	require.NoError(t, l.Join(ctx, m, ""))

	select {
	case msg := <-out:
		secrets, ok := msg.(*protocol.Secrets)
		require.True(t, ok)
		require.Equal(t, "lobby1", secrets.LobbyID)
		require.NotEmpty(t, secrets.Join)
		require.NotEmpty(t, secrets.Spectate)
		require.NotEqual(t, secrets.Join, secrets.Spectate)
	case <-time.After(2 * time.Second):
		t.Fatal("expected secrets message")
	}

	n, err := l.MemberCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestJoinPrivateLobbyRequiresValidSecret(t *testing.T) {
	l := New("lobby2", "Secret Game", VisibilityPrivate)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "owner")
	require.NoError(t, l.Join(ctx, owner, ""))
	secrets := (<-ownerOut).(*protocol.Secrets)

	invited, _ := newMember("b", "bob")
	require.NoError(t, l.Join(ctx, invited, secrets.Join))

	uninvited, _ := newMember("c", "carol")
	require.Error(t, l.Join(ctx, uninvited, "bogus-secret"))

	n, err := l.MemberCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLobbyRejectsMoreThanMaxPlayers(t *testing.T) {
	l := New("lobby3", "Big Game", VisibilityPublic)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	for i := 0; i < MaxPlayers; i++ {
		m, out := newMember(string(rune('a'+i)), "p")
		require.NoError(t, l.Join(ctx, m, ""))
		<-out
	}

	overflow, _ := newMember("overflow", "p")
	require.Error(t, l.Join(ctx, overflow, ""))
}

func TestStartGameFreezesSetupAndReturnsSnapshot(t *testing.T) {
	l := New("lobby4", "Quick Game", VisibilityPublic)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	m, out := newMember("a", "alice")
	require.NoError(t, l.Join(ctx, m, ""))
	<-out

	members, err := l.StartGame(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, err = l.StartGame(ctx)
	require.Error(t, err)

	require.Error(t, l.PickMap(ctx, "twokeeps", protocol.MapMetadata{}))
}

func TestSkinsAndBriefingTextReflectConfiguration(t *testing.T) {
	l := New("lobby6", "Game", VisibilityPublic)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	text, err := l.BriefingText(ctx)
	require.NoError(t, err)
	require.Empty(t, text)

	require.NoError(t, l.SetSkins(ctx, map[string]string{"a": "red"}))
	require.NoError(t, l.SetSkins(ctx, map[string]string{"b": "blue"}))
	skins, err := l.SkinsSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "red", "b": "blue"}, skins)

	require.NoError(t, l.MarkTutorial(ctx, "intro-1"))
	text, err = l.BriefingText(ctx)
	require.NoError(t, err)
	require.Contains(t, text, "tutorial")
}

func TestLeaveRemovesMember(t *testing.T) {
	l := New("lobby5", "Game", VisibilityPublic)
	cancel := runLobby(t, l)
	defer cancel()
	ctx := context.Background()

	m, out := newMember("a", "alice")
	require.NoError(t, l.Join(ctx, m, ""))
	<-out

	require.NoError(t, l.Leave(ctx, "a"))
	n, err := l.MemberCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
