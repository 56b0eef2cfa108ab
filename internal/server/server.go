// Package server wires every actor described in spec.md §2 into one running
// process: the TCP acceptance loop, Chat, the lobby Registry, Rating,
// match-starting, and the support actors (Killer, Portal,
// DiscordApi/SlackApi).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-games/server/internal/chat"
	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/game"
	"github.com/lattice-games/server/internal/identity"
	"github.com/lattice-games/server/internal/keycode"
	"github.com/lattice-games/server/internal/killer"
	"github.com/lattice-games/server/internal/lobby"
	"github.com/lattice-games/server/internal/portal"
	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/rating"
	"github.com/lattice-games/server/internal/webhook"
	"github.com/lattice-games/server/internal/workerpool"
)

// Config collects the knobs Server needs to wire its actors, kept separate
// from config.Settings/config.Deploy so this package doesn't need to know
// how those are loaded from disk.
type Config struct {
	ClientKeySeed      uint16
	CurrentChallengeID string
	Automaton          game.AutomatonFactory
	Discord            *webhook.Poster
	Slack              *webhook.Poster
	Patch              *protocol.Patch
	// Lanes, if positive, arms advisory lobby-placement lane logging
	// (internal/workerpool); 0 disables it.
	Lanes int
	// MapsDir, if set, arms list_map/pick_map against the `.map` assets
	// under it (internal/asset); "" disables both.
	MapsDir string
}

// Server is the joined group of actors backing one listening process.
type Server struct {
	identity *identity.Client
	killer   *killer.Killer
	binding  *portal.Binding

	chat     *chat.Chat
	registry *lobby.Registry
	rating   *rating.Rating
	starter  *game.Starter

	clientKeys *keycode.Ticker
	up         connection.Upstream
}

// New builds a Server. ident may be nil (no identity service configured,
// a dev deployment); binding may be nil (no portal registration).
func New(cfg Config, ident *identity.Client, k *killer.Killer, binding *portal.Binding, lobbyKeys *keycode.Ticker) *Server {
	rat := rating.New(ident, cfg.CurrentChallengeID, nil)

	s := &Server{
		identity:   ident,
		killer:     k,
		binding:    binding,
		rating:     rat,
		clientKeys: keycode.NewTicker(cfg.ClientKeySeed),
	}

	s.starter = game.NewStarter(cfg.Automaton, rat, s.onGameDisband)
	s.starter.Notifiers = notifiersOf(cfg)

	s.registry = lobby.NewRegistry(lobbyKeys, s.starter)
	s.chat = chat.New(s.registry)
	s.chat.SetPatch(cfg.Patch)
	if cfg.Lanes > 0 {
		s.registry.SetLanes(workerpool.NewLanes(cfg.Lanes))
	}
	s.registry.SetMapsDir(cfg.MapsDir)
	s.up = &upstream{chat: s.chat, registry: s.registry, rating: rat}

	return s
}

func notifiersOf(cfg Config) []*webhook.Poster {
	var posters []*webhook.Poster
	if cfg.Discord != nil {
		posters = append(posters, cfg.Discord)
	}
	if cfg.Slack != nil {
		posters = append(posters, cfg.Slack)
	}
	return posters
}

func (s *Server) onGameDisband(lobbyID string) {
	if err := s.registry.DisbandGame(context.Background(), lobbyID); err != nil {
		slog.Warn("server: failed to clear finished match bookkeeping", "lobby", lobbyID, "error", err)
	}
}

// Run drives every long-lived actor until ctx is cancelled, joining them
// with errgroup the way internal/connection joins one connection's own
// sub-tasks (spec's "share termination via a single join point").
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.chat.Run(ctx) })
	g.Go(func() error { return s.registry.Run(ctx) })
	g.Go(func() error { return s.rating.Run(ctx) })
	if s.killer != nil {
		g.Go(func() error { s.killer.Run(ctx); return nil })
	}
	if s.binding != nil {
		g.Go(func() error { s.binding.Run(ctx); return nil })
	}
	g.Go(func() error { return s.acceptLoop(ctx, ln) })

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if s.killer != nil {
		// spec §4.6: the first kill signal (State::Closing) stops the
		// acceptance loop immediately, well before the full process
		// teardown that follows State::Closed's grace period.
		go func() {
			sub := s.killer.Subscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case state := <-sub:
					if state != killer.StateOpen {
						_ = ln.Close()
						return
					}
				}
			}
		}()
	}

	return g.Wait()
}

// acceptLoop mints a keycode per accepted socket and drives its Conn actor
// in its own goroutine; one connection's failure never aborts the loop.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		id := s.clientKeys.Next().String()
		c := connection.New(id, netConn, s.identity, s.up, s.killer)
		go func() {
			if err := c.Run(ctx); err != nil {
				slog.Warn("server: connection ended with error", "client", id, "error", err)
			}
		}()
	}
}

// upstream composes Chat, the lobby Registry, and Rating into the single
// connection.Upstream a Conn talks to: a successful Chat join also seeds
// the registry's and rating's per-client bookkeeping, and tries to route a
// reconnecting client straight back into any match it already belongs to
// (spec §4.4's "client connecting mid-game with a known user_id" rule, for
// the case where the client never sends an explicit join_lobby at all).
type upstream struct {
	chat     *chat.Chat
	registry *lobby.Registry
	rating   *rating.Rating
}

func (u *upstream) Join(ctx context.Context, member connection.Member) error {
	if err := u.chat.Join(ctx, member); err != nil {
		return err
	}
	if err := u.registry.RememberLogin(ctx, member); err != nil {
		slog.Warn("server: failed to remember login with registry", "client", member.ID, "error", err)
	}
	if err := u.rating.RememberLogin(ctx, member.Login.UserID, member.Login, member.Handle); err != nil {
		slog.Warn("server: failed to remember login with rating", "client", member.ID, "error", err)
	}
	if routed, err := u.registry.RejoinGame(ctx, member); err != nil {
		slog.Warn("server: rejoin attempt failed", "client", member.ID, "error", err)
	} else if routed {
		slog.Info("server: rejoined in-progress match", "client", member.ID, "user_id", member.Login.UserID)
	}
	return nil
}

func (u *upstream) Leave(ctx context.Context, id string) {
	u.chat.Leave(ctx, id)
	if err := u.registry.Forget(ctx, id); err != nil {
		slog.Warn("server: failed to forget departing client", "client", id, "error", err)
	}
}

func (u *upstream) Dispatch(ctx context.Context, id string, msg protocol.Message) error {
	return u.chat.Dispatch(ctx, id, msg)
}

var _ connection.Upstream = (*upstream)(nil)
