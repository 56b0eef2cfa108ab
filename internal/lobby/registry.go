package lobby

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lattice-games/server/internal/asset"
	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/keycode"
	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/workerpool"
)

// GameHandle is the running match the registry forwards in-game messages
// and rejoins to, once a lobby's owner has started it. internal/game.Game
// implements this.
type GameHandle interface {
	Join(ctx context.Context, member connection.Member, secret string) error
	Leave(ctx context.Context, id string) error
	Dispatch(ctx context.Context, id string, msg protocol.Message) error
}

// GameStarter is where the registry hands off a lobby's membership once
// its owner starts the match; internal/game implements this.
type GameStarter interface {
	StartGame(ctx context.Context, lobbyID string, members []*Member, skins map[string]string, briefing string) (GameHandle, error)
	// StartTutorial seeds a lone member into a match against a LocalBot
	// opponent, for the Tutorial wire message (spec.md §12).
	StartTutorial(ctx context.Context, lobbyID string, member *Member, challengeID, briefing string) (GameHandle, error)
}

// Registry is the top-level actor that owns every open Lobby, mints lobby
// ids, and routes Chat's forwarded application messages to the right one.
// It implements chat.LobbyRouter.
type Registry struct {
	ticker  *keycode.Ticker
	starter GameStarter

	// memberLobby tracks which lobby a logged-in client currently belongs
	// to, since inbound messages only carry the client's connection id.
	memberLobby map[string]string
	lobbies     map[string]*Lobby

	members map[string]connection.Member // client id -> last known Member, for Join calls

	// games and gameByUser track started matches so the registry can keep
	// routing in-game messages, and rejoin returning players, after a
	// lobby's Setup phase has handed off to a Game actor.
	games      map[string]GameHandle // lobby id -> running match
	gameByUser map[string]string     // user_id -> lobby id, for reconnect lookup

	// lanes, when set, assigns each new lobby an advisory placement lane
	// purely for metrics/log correlation (see internal/workerpool).
	lanes *workerpool.Lanes

	// mapsDir, when set, is the directory of `.map` assets list_map/pick_map
	// read from (spec.md §6); "" disables both.
	mapsDir string

	reqs chan func()
}

// SetLanes arms advisory lane-logging for newly-created lobbies. Called
// once before Run starts; nil (the default) disables it.
func (r *Registry) SetLanes(lanes *workerpool.Lanes) {
	r.lanes = lanes
}

// SetMapsDir arms list_map/pick_map against the `.map` assets under dir.
// Called once before Run starts; "" (the default) makes both a no-op.
func (r *Registry) SetMapsDir(dir string) {
	r.mapsDir = dir
}

// NewRegistry builds an empty Registry. ticker mints 60-bit lobby ids
// (spec invariant 6: monotonic within a process).
func NewRegistry(ticker *keycode.Ticker, starter GameStarter) *Registry {
	return &Registry{
		ticker:      ticker,
		starter:     starter,
		memberLobby: make(map[string]string),
		lobbies:     make(map[string]*Lobby),
		members:     make(map[string]connection.Member),
		games:       make(map[string]GameHandle),
		gameByUser:  make(map[string]string),
		reqs:        make(chan func(), 256),
	}
}

// Run drains the registry's own request queue; individual lobbies run
// their own Run loops (started by RunLobby) concurrently.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.reqs:
			fn()
		}
	}
}

func (r *Registry) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case r.reqs <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RememberLogin lets Chat hand the registry a client's full login identity
// (including its Handle) the moment it joins, so later JoinLobby/MakeLobby
// messages — which only carry a connection id — can be resolved.
func (r *Registry) RememberLogin(ctx context.Context, member connection.Member) error {
	return r.call(ctx, func() {
		r.members[member.ID] = member
	})
}

// Forget drops a client's remembered login on disconnect.
func (r *Registry) Forget(ctx context.Context, id string) error {
	return r.call(ctx, func() {
		delete(r.members, id)
		if lobbyID, ok := r.memberLobby[id]; ok {
			if g, ok := r.games[lobbyID]; ok {
				_ = g.Leave(ctx, id)
			} else if l, ok := r.lobbies[lobbyID]; ok {
				_ = l.Leave(ctx, id)
			}
			delete(r.memberLobby, id)
		}
	})
}

// Dispatch satisfies chat.LobbyRouter: routes one application message from
// connection id to the right handler.
func (r *Registry) Dispatch(ctx context.Context, id string, msg protocol.Message) error {
	if game, ok := r.gameFor(id); ok {
		return game.Dispatch(ctx, id, msg)
	}

	switch m := msg.(type) {
	case *protocol.MakeLobby:
		return r.makeLobby(ctx, id, m)
	case *protocol.JoinLobby:
		return r.joinLobby(ctx, id, m)
	case *protocol.LeaveLobby:
		return r.leaveLobby(ctx, id, m)
	case *protocol.ListLobby:
		return r.listLobbies(ctx, id)
	case *protocol.ListMap:
		return r.listMaps(ctx, id)
	case *protocol.PickMap:
		return r.pickMap(ctx, id, m)
	case *protocol.PickChallenge:
		return r.withLobby(ctx, id, func(l *Lobby) error {
			return l.PickChallenge(ctx, m.ChallengeID)
		})
	case *protocol.DisbandLobby:
		return r.disband(ctx, m.LobbyID)
	case *protocol.Skins:
		return r.withLobby(ctx, id, func(l *Lobby) error {
			return l.SetSkins(ctx, m.Skins)
		})
	case *protocol.Tutorial:
		return r.startTutorial(ctx, id, m)
	default:
		return r.withLobby(ctx, id, func(l *Lobby) error {
			if game, ok := msg.(*protocol.Game); ok && game.Role == "start" {
				return r.startGame(ctx, l)
			}
			return nil
		})
	}
}

// gameFor reports the active game a connection id currently belongs to,
// once its lobby has started a match.
func (r *Registry) gameFor(id string) (GameHandle, bool) {
	var g GameHandle
	var ok bool
	_ = r.call(context.Background(), func() {
		lobbyID, has := r.memberLobby[id]
		if !has {
			return
		}
		g, ok = r.games[lobbyID]
	})
	return g, ok
}

// RejoinGame routes a freshly logged-in client straight to a match it
// already belongs to by user_id, implementing spec §4.4's "a client
// connecting mid-game with a known user_id" rule for clients who never
// sent an explicit join_lobby on their new connection. Reports routed=false
// when the user has no active match, so the caller falls through to
// ordinary lobby handling.
func (r *Registry) RejoinGame(ctx context.Context, member connection.Member) (routed bool, err error) {
	var game GameHandle
	var lobbyID string
	callErr := r.call(ctx, func() {
		lobbyID, routed = r.gameByUser[member.Login.UserID]
		if routed {
			game = r.games[lobbyID]
		}
	})
	if callErr != nil || !routed || game == nil {
		return false, callErr
	}
	if err := game.Join(ctx, member, ""); err != nil {
		return false, err
	}
	return true, r.call(ctx, func() { r.memberLobby[member.ID] = lobbyID })
}

// DisbandGame drops a finished match's bookkeeping; called once the
// game's OnDisband callback fires (see game.NewStarter).
func (r *Registry) DisbandGame(ctx context.Context, lobbyID string) error {
	return r.call(ctx, func() {
		delete(r.games, lobbyID)
		for user, lid := range r.gameByUser {
			if lid == lobbyID {
				delete(r.gameByUser, user)
			}
		}
		delete(r.lobbies, lobbyID)
	})
}

func (r *Registry) member(id string) (connection.Member, bool) {
	var m connection.Member
	var ok bool
	r.call(context.Background(), func() { m, ok = r.members[id] })
	return m, ok
}

func (r *Registry) makeLobby(ctx context.Context, id string, m *protocol.MakeLobby) error {
	member, ok := r.member(id)
	if !ok {
		return fmt.Errorf("lobby: unknown client %s", id)
	}

	lobbyID := r.ticker.Next().String()
	l := New(lobbyID, m.Name, VisibilityPublic)
	r.logLane(lobbyID)

	if err := r.call(ctx, func() { r.lobbies[lobbyID] = l }); err != nil {
		return err
	}
	go func() { _ = l.Run(ctx) }()

	if err := l.Join(ctx, member, ""); err != nil {
		return err
	}
	return r.call(ctx, func() { r.memberLobby[id] = lobbyID })
}

// logLane emits an advisory placement-lane log line for a freshly-minted
// lobby id, purely for metrics/log correlation (internal/workerpool); a
// nil lanes assigner (the default) makes this a no-op.
func (r *Registry) logLane(lobbyID string) {
	if r.lanes == nil {
		return
	}
	slog.Info("lobby: assigned placement lane", "lobby", lobbyID, "lane", r.lanes.LaneFor(lobbyID))
}

// startTutorial seeds a one-member private lobby for the caller and starts
// it immediately against a LocalBot opponent, implementing the bare
// Tutorial wire message (spec.md §12): no make_lobby/join_lobby/game{start}
// round trip is needed, since a tutorial has exactly one human.
func (r *Registry) startTutorial(ctx context.Context, id string, m *protocol.Tutorial) error {
	member, ok := r.member(id)
	if !ok {
		return fmt.Errorf("lobby: unknown client %s", id)
	}
	if r.starter == nil {
		return fmt.Errorf("lobby: no game starter configured")
	}

	lobbyID := r.ticker.Next().String()
	l := New(lobbyID, "Tutorial", VisibilityPrivate)
	r.logLane(lobbyID)
	if err := l.MarkTutorial(ctx, m.ChallengeID); err != nil {
		return err
	}

	if err := r.call(ctx, func() { r.lobbies[lobbyID] = l }); err != nil {
		return err
	}
	go func() { _ = l.Run(ctx) }()

	if err := l.Join(ctx, member, ""); err != nil {
		return err
	}
	if err := r.call(ctx, func() { r.memberLobby[id] = lobbyID }); err != nil {
		return err
	}

	snapshot, err := l.StartGame(ctx)
	if err != nil {
		return err
	}
	briefing, err := l.BriefingText(ctx)
	if err != nil {
		return err
	}
	solo := snapshot[0]

	game, err := r.starter.StartTutorial(ctx, lobbyID, solo, m.ChallengeID, briefing)
	if err != nil {
		return err
	}
	return r.call(ctx, func() {
		r.games[lobbyID] = game
		if solo.UserID != "" {
			r.gameByUser[solo.UserID] = lobbyID
		}
	})
}

func (r *Registry) joinLobby(ctx context.Context, id string, m *protocol.JoinLobby) error {
	member, ok := r.member(id)
	if !ok {
		return fmt.Errorf("lobby: unknown client %s", id)
	}

	var l *Lobby
	if err := r.call(ctx, func() { l = r.lobbies[m.LobbyID] }); err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("lobby: unknown lobby %s", m.LobbyID)
	}

	if err := l.Join(ctx, member, m.Secret); err != nil {
		return err
	}
	return r.call(ctx, func() { r.memberLobby[id] = m.LobbyID })
}

func (r *Registry) leaveLobby(ctx context.Context, id string, m *protocol.LeaveLobby) error {
	var l *Lobby
	if err := r.call(ctx, func() { l = r.lobbies[m.LobbyID] }); err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if err := l.Leave(ctx, id); err != nil {
		return err
	}
	if err := r.call(ctx, func() { delete(r.memberLobby, id) }); err != nil {
		return err
	}

	count, err := l.MemberCount(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return r.disband(ctx, m.LobbyID)
	}
	return nil
}

func (r *Registry) disband(ctx context.Context, lobbyID string) error {
	return r.call(ctx, func() { delete(r.lobbies, lobbyID) })
}

func (r *Registry) listLobbies(ctx context.Context, id string) error {
	member, ok := r.member(id)
	if !ok {
		return fmt.Errorf("lobby: unknown client %s", id)
	}

	var snapshot []*Lobby
	if err := r.call(ctx, func() {
		for _, l := range r.lobbies {
			snapshot = append(snapshot, l)
		}
	}); err != nil {
		return err
	}

	var summaries []protocol.LobbySummary
	for _, l := range snapshot {
		s, err := l.Summary(ctx)
		if err != nil {
			continue
		}
		if s.IsPublic {
			summaries = append(summaries, s)
		}
	}

	return member.Handle.Send(&protocol.ListLobby{Lobbies: summaries})
}

// listMaps answers list_map by reading every `.map` asset's metadata header
// off disk (spec.md §6); a Registry with no mapsDir configured replies with
// an empty list rather than erroring.
func (r *Registry) listMaps(ctx context.Context, id string) error {
	member, ok := r.member(id)
	if !ok {
		return fmt.Errorf("lobby: unknown client %s", id)
	}
	if r.mapsDir == "" {
		return member.Handle.Send(&protocol.ListMap{})
	}
	maps, err := asset.ListMaps(r.mapsDir)
	if err != nil {
		return err
	}
	return member.Handle.Send(&protocol.ListMap{Maps: maps})
}

// pickMap answers pick_map by reading the chosen map's metadata header and
// content-addressed stamp off disk, recording it on the caller's lobby and
// broadcasting the Stamp to every current member so clients can cache-bust
// (spec.md §6's stamp wire type).
func (r *Registry) pickMap(ctx context.Context, id string, m *protocol.PickMap) error {
	var meta protocol.MapMetadata
	var stamp string
	if r.mapsDir != "" {
		path := asset.MapPath(r.mapsDir, m.Map)
		var err error
		meta, err = asset.ReadMapMetadata(path)
		if err != nil {
			return fmt.Errorf("lobby: picking map %s: %w", m.Map, err)
		}
		if meta.Name == "" {
			meta.Name = m.Map
		}
		stamp, err = asset.StampFile(path)
		if err != nil {
			return fmt.Errorf("lobby: stamping map %s: %w", m.Map, err)
		}
	}
	return r.withLobby(ctx, id, func(l *Lobby) error {
		if err := l.PickMap(ctx, m.Map, meta); err != nil {
			return err
		}
		if stamp == "" {
			return nil
		}
		return l.Broadcast(ctx, &protocol.Stamp{Asset: m.Map, Hash: stamp})
	})
}

func (r *Registry) withLobby(ctx context.Context, id string, fn func(*Lobby) error) error {
	var lobbyID string
	if err := r.call(ctx, func() { lobbyID = r.memberLobby[id] }); err != nil {
		return err
	}
	if lobbyID == "" {
		return fmt.Errorf("lobby: client %s is not in a lobby", id)
	}
	var l *Lobby
	if err := r.call(ctx, func() { l = r.lobbies[lobbyID] }); err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("lobby: unknown lobby %s", lobbyID)
	}
	return fn(l)
}

func (r *Registry) startGame(ctx context.Context, l *Lobby) error {
	skins, err := l.SkinsSnapshot(ctx)
	if err != nil {
		return err
	}
	briefing, err := l.BriefingText(ctx)
	if err != nil {
		return err
	}
	members, err := l.StartGame(ctx)
	if err != nil {
		return err
	}
	if r.starter == nil {
		return nil
	}
	game, err := r.starter.StartGame(ctx, l.id, members, skins, briefing)
	if err != nil {
		return err
	}
	return r.call(ctx, func() {
		r.games[l.id] = game
		for _, m := range members {
			if m.UserID != "" {
				r.gameByUser[m.UserID] = l.id
			}
		}
	})
}
