package lobby

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/keycode"
	"github.com/lattice-games/server/internal/protocol"
)

type fakeGameHandle struct{}

func (fakeGameHandle) Join(ctx context.Context, member connection.Member, secret string) error {
	return nil
}
func (fakeGameHandle) Leave(ctx context.Context, id string) error { return nil }
func (fakeGameHandle) Dispatch(ctx context.Context, id string, msg protocol.Message) error {
	return nil
}

type fakeStarter struct {
	started chan struct {
		lobbyID string
		members []*Member
	}
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{started: make(chan struct {
		lobbyID string
		members []*Member
	}, 4)}
}

func (f *fakeStarter) StartGame(ctx context.Context, lobbyID string, members []*Member, skins map[string]string, briefing string) (GameHandle, error) {
	f.started <- struct {
		lobbyID string
		members []*Member
	}{lobbyID, members}
	return fakeGameHandle{}, nil
}

func (f *fakeStarter) StartTutorial(ctx context.Context, lobbyID string, member *Member, challengeID, briefing string) (GameHandle, error) {
	f.started <- struct {
		lobbyID string
		members []*Member
	}{lobbyID, []*Member{member}}
	return fakeGameHandle{}, nil
}

func runRegistry(t *testing.T, r *Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	return cancel
}

func TestMakeLobbyThenJoinLobbyRoutesThroughChat(t *testing.T) {
	starter := newFakeStarter()
	r := NewRegistry(keycode.NewTicker(1), starter)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Friendly"}))

	var secrets *protocol.Secrets
	select {
	case msg := <-ownerOut:
		var ok bool
		secrets, ok = msg.(*protocol.Secrets)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected secrets after make_lobby")
	}

	joiner, _ := newMember("joiner", "bob")
	require.NoError(t, r.RememberLogin(ctx, joiner))
	require.NoError(t, r.Dispatch(ctx, "joiner", &protocol.JoinLobby{LobbyID: secrets.LobbyID}))
}

func TestDispatchUnknownClientErrors(t *testing.T) {
	r := NewRegistry(keycode.NewTicker(2), nil)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	err := r.Dispatch(ctx, "ghost", &protocol.MakeLobby{Name: "x"})
	require.Error(t, err)
}

func TestLeaveLobbyDisbandsWhenEmpty(t *testing.T) {
	r := NewRegistry(keycode.NewTicker(3), nil)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Solo"}))
	secrets := (<-ownerOut).(*protocol.Secrets)

	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.LeaveLobby{LobbyID: secrets.LobbyID}))

	err := r.Dispatch(ctx, "owner", &protocol.JoinLobby{LobbyID: secrets.LobbyID})
	require.Error(t, err)
}

func TestListLobbyOnlyShowsPublicLobbies(t *testing.T) {
	r := NewRegistry(keycode.NewTicker(4), nil)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Public Game"}))
	<-ownerOut

	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.ListLobby{}))

	select {
	case msg := <-ownerOut:
		list, ok := msg.(*protocol.ListLobby)
		require.True(t, ok)
		require.Len(t, list.Lobbies, 1)
		require.True(t, list.Lobbies[0].IsPublic)
	case <-time.After(2 * time.Second):
		t.Fatal("expected list_lobby response")
	}
}

func TestGameStartRoleTriggersGameStarter(t *testing.T) {
	starter := newFakeStarter()
	r := NewRegistry(keycode.NewTicker(5), starter)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Quick"}))
	secrets := (<-ownerOut).(*protocol.Secrets)

	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.Game{LobbyID: secrets.LobbyID, Role: "start"}))

	select {
	case started := <-starter.started:
		require.Equal(t, secrets.LobbyID, started.lobbyID)
		require.Len(t, started.members, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected GameStarter.StartGame to be called")
	}
}

func TestTutorialMessageStartsSoloMatchAgainstLocalBot(t *testing.T) {
	starter := newFakeStarter()
	r := NewRegistry(keycode.NewTicker(6), starter)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	solo, _ := newMember("solo", "alice")
	require.NoError(t, r.RememberLogin(ctx, solo))
	require.NoError(t, r.Dispatch(ctx, "solo", &protocol.Tutorial{ChallengeID: "intro-1"}))

	select {
	case started := <-starter.started:
		require.Len(t, started.members, 1)
		require.Equal(t, "solo", started.members[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected GameStarter.StartTutorial to be called")
	}
}

func TestListMapAndPickMapReadMapAssetsFromDisk(t *testing.T) {
	dir := t.TempDir()
	mapBody := `{"playercount": 2, "name": "Atoll"}` + "\ntiles..."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atoll.map"), []byte(mapBody), 0o644))

	r := NewRegistry(keycode.NewTicker(7), nil)
	r.SetMapsDir(dir)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.ListMap{}))

	select {
	case msg := <-ownerOut:
		listed, ok := msg.(*protocol.ListMap)
		require.True(t, ok)
		require.Len(t, listed.Maps, 1)
		require.Equal(t, "Atoll", listed.Maps[0].Name)
		require.Equal(t, 2, listed.Maps[0].PlayerCount)
	case <-time.After(2 * time.Second):
		t.Fatal("expected list_map reply")
	}

	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Friendly"}))
	<-ownerOut // secrets

	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.PickMap{Map: "atoll"}))

	select {
	case msg := <-ownerOut:
		stamp, ok := msg.(*protocol.Stamp)
		require.True(t, ok)
		require.Equal(t, "atoll", stamp.Asset)
		require.NotEmpty(t, stamp.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("expected stamp broadcast after pick_map")
	}
}

func TestForgetRemovesMemberAndLeavesLobby(t *testing.T) {
	r := NewRegistry(keycode.NewTicker(6), nil)
	cancel := runRegistry(t, r)
	defer cancel()
	ctx := context.Background()

	owner, ownerOut := newMember("owner", "alice")
	require.NoError(t, r.RememberLogin(ctx, owner))
	require.NoError(t, r.Dispatch(ctx, "owner", &protocol.MakeLobby{Name: "Solo"}))
	<-ownerOut

	require.NoError(t, r.Forget(ctx, "owner"))

	err := r.Dispatch(ctx, "owner", &protocol.ListLobby{})
	require.Error(t, err)
}
