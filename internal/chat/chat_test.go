package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/protocol"
)

type fakeRouter struct {
	seen chan protocol.Message
}

func (f *fakeRouter) Dispatch(_ context.Context, _ string, msg protocol.Message) error {
	f.seen <- msg
	return nil
}

func runChat(t *testing.T, c *Chat) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { c.Run(ctx) }()
	return cancel
}

func newMember(t *testing.T, id, username string) (connection.Member, chan protocol.Message) {
	t.Helper()
	out := make(chan protocol.Message, 16)
	h := connection.NewHandle(out)
	return connection.Member{ID: id, Login: connection.LoginData{UserID: id, Username: username}, Handle: h}, out
}

func TestJoinAnnouncesToExistingRosterAndSendsInit(t *testing.T) {
	c := New(nil)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	m1, out1 := newMember(t, "a", "alice")
	require.NoError(t, c.Join(ctx, m1))
	drain(t, out1) // alice's own self-announcement
	drain(t, out1) // alice's init

	m2, out2 := newMember(t, "b", "bob")
	require.NoError(t, c.Join(ctx, m2))

	// alice should see bob's JoinServer announcement.
	msg := <-out1
	js, ok := msg.(*protocol.JoinServer)
	require.True(t, ok)
	require.Equal(t, "bob", js.Content)

	// bob should have received alice's name first (existing roster), then
	// his own announcement, then Init.
	first := <-out2
	require.Equal(t, "alice", first.(*protocol.JoinServer).Content)
	second := <-out2
	require.Equal(t, "bob", second.(*protocol.JoinServer).Content)
	third := <-out2
	require.Equal(t, "init", third.Kind())
}

func TestHiddenUsernameOnlyAnnouncedToSelf(t *testing.T) {
	c := New(nil)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	observer, outObs := newMember(t, "watch", "watcher")
	require.NoError(t, c.Join(ctx, observer))
	drainN(t, outObs, 2) // watcher's own self-announce + init

	hidden, outHidden := newMember(t, "ghost", "#admin")
	require.NoError(t, c.Join(ctx, hidden))

	roster := <-outHidden // existing (non-hidden) roster streamed first
	require.Equal(t, "watcher", roster.(*protocol.JoinServer).Content)
	msg := <-outHidden
	require.Equal(t, "#admin", msg.(*protocol.JoinServer).Content)

	select {
	case m := <-outObs:
		t.Fatalf("observer should not see hidden join, got %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChatMessageFansOutToAll(t *testing.T) {
	c := New(nil)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	m1, out1 := newMember(t, "a", "alice")
	require.NoError(t, c.Join(ctx, m1))
	drainN(t, out1, 2)
	m2, out2 := newMember(t, "b", "bob")
	require.NoError(t, c.Join(ctx, m2))
	drainN(t, out1, 1)
	drainN(t, out2, 3)

	require.NoError(t, c.Dispatch(ctx, "a", &protocol.Chat{Content: "hi"}))

	msg1 := <-out1
	require.Equal(t, "hi", msg1.(*protocol.Chat).Content)
	msg2 := <-out2
	require.Equal(t, "hi", msg2.(*protocol.Chat).Content)
}

func TestLeaveRemovesFromRosterAndAnnounces(t *testing.T) {
	c := New(nil)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	m1, out1 := newMember(t, "a", "alice")
	require.NoError(t, c.Join(ctx, m1))
	drainN(t, out1, 2)
	m2, out2 := newMember(t, "b", "bob")
	require.NoError(t, c.Join(ctx, m2))
	drainN(t, out1, 1)
	drainN(t, out2, 3)

	c.Leave(ctx, "b")
	time.Sleep(50 * time.Millisecond)

	msg := <-out1
	ls, ok := msg.(*protocol.LeaveServer)
	require.True(t, ok)
	require.Equal(t, "bob", ls.Content)
}

func TestJoinGhostbustsStaleEntryForSameUserID(t *testing.T) {
	c := New(nil)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	observer, outObs := newMember(t, "watch", "watcher")
	require.NoError(t, c.Join(ctx, observer))
	drainN(t, outObs, 2)

	// alice's connection dies without a clean Leave (no c.Leave call), then
	// she reconnects on a fresh connection id but the same account.
	stale, outStale := newMember(t, "a1", "alice")
	require.NoError(t, c.Join(ctx, stale))
	drainN(t, outStale, 2)
	drainN(t, outObs, 1) // alice's first join announcement

	out2 := make(chan protocol.Message, 16)
	reconnect := connection.Member{ID: "a2", Login: connection.LoginData{UserID: "a1", Username: "alice"}, Handle: connection.NewHandle(out2)}
	require.NoError(t, c.Join(ctx, reconnect))

	// the observer sees the stale entry leave, then the new one join, and
	// never sees alice duplicated on the roster a reconnect would otherwise
	// stream back to anyone joining after her.
	left := <-outObs
	ls, ok := left.(*protocol.LeaveServer)
	require.True(t, ok)
	require.Equal(t, "alice", ls.Content)
	joined := <-outObs
	require.Equal(t, "alice", joined.(*protocol.JoinServer).Content)

	require.Len(t, c.roster, 2)
}

func TestDispatchForwardsNonChatMessagesToRouter(t *testing.T) {
	router := &fakeRouter{seen: make(chan protocol.Message, 4)}
	c := New(router)
	cancel := runChat(t, c)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, "a", &protocol.MakeLobby{Name: "game night"}))

	select {
	case msg := <-router.seen:
		require.Equal(t, "make_lobby", msg.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("router never received forwarded message")
	}
}

func drain(t *testing.T, ch chan protocol.Message) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a queued message but got none")
	}
}

func drainN(t *testing.T, ch chan protocol.Message, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		drain(t, ch)
	}
}
