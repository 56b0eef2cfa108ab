package game

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/engine"
	"github.com/lattice-games/server/internal/protocol"
)

// Join admits a connecting client, implementing the rejoin rules of spec
// §4.4: a known, still-alive player is restored to their original color
// and vision; a defeated or retired player is announced as an observer; a
// former watcher is restored as a watcher; an unknown user_id is admitted as an Observer
// only if the lobby is public or secret validates against an invite.
func (g *Game) Join(ctx context.Context, member connection.Member, secret string) error {
	return g.call(ctx, func() error {
		if p, ok := g.participants[member.ID]; ok {
			if g.over {
				return fmt.Errorf("game %s: match has ended", g.id)
			}
			p.handle = member.Handle
			g.sendRejoinSequence(p)
			return nil
		}

		if g.over {
			return fmt.Errorf("game %s: match has ended", g.id)
		}

		// A reconnect arrives on a new connection id (the acceptance loop
		// mints a fresh keycode per socket), so a known user_id is matched
		// by value and re-keyed onto the new id rather than looked up
		// directly (spec §4.4's "a client connecting mid-game with a known
		// user_id" rule).
		if member.Login.UserID != "" {
			for oldID, p := range g.participants {
				if p.userID != member.Login.UserID {
					continue
				}
				delete(g.participants, oldID)
				p.id = member.ID
				p.handle = member.Handle
				g.participants[member.ID] = p
				g.sendRejoinSequence(p)
				return nil
			}
		}

		if !g.isPublic && (g.validSecrets == nil || !g.validSecrets(secret)) {
			return fmt.Errorf("game %s: join denied for unknown client", g.id)
		}

		p := &participant{id: member.ID, userID: member.Login.UserID, username: member.Login.Username, handle: member.Handle, role: RoleObserver, vision: 0}
		g.participants[member.ID] = p
		g.sendRejoinSequence(p)
		return nil
	})
}

// sendRejoinSequence announces the match to p on any join, live or
// rejoined: Game (role, player, ruleset, timer), AssignColor for players,
// Briefing and Skins when set, the replay bracket (ReplayWithAnimations off,
// the Changes so far, on), and a Sync carrying the full planning time when
// p has not synced. It sends neither the lobby roster nor the lobby
// configuration, and the Sync time is not reduced by time already elapsed.
func (g *Game) sendRejoinSequence(p *participant) {
	var role string
	switch p.role {
	case RolePlayer:
		role = "player"
	case RoleWatcher:
		role = "watcher"
	default:
		role = "observer"
	}
	if p.isDefeated || p.isRetired {
		role = "observer"
	}

	remaining := int(g.planningTime / time.Second)
	_ = p.handle.Send(&protocol.Game{LobbyID: g.lobbyID, Role: role, Player: &p.id, Ruleset: g.ruleset, Timer: &remaining})
	if role == "player" {
		_ = p.handle.Send(&protocol.AssignColor{Player: p.id, Color: int(p.color)})
	}
	if g.briefing != "" {
		_ = p.handle.Send(&protocol.Briefing{Text: g.briefing})
	}
	if len(g.skins) > 0 {
		_ = p.handle.Send(&protocol.Skins{Skins: g.skins})
	}

	_ = p.handle.Send(&protocol.ReplayWithAnimations{On: false})
	viewer := viewerFor(p)
	replay := g.automaton.Rejoin(viewer)
	_ = p.handle.Send(&protocol.Changes{Changes: replay})
	_ = p.handle.Send(&protocol.ReplayWithAnimations{On: true})

	if !p.hasSynced {
		_ = p.handle.Send(&protocol.Sync{TimeRemainingInSeconds: &remaining})
	}
}

// viewerFor maps a participant to the engine.Viewer their broadcasts and
// rejoin replays are keyed on.
func viewerFor(p *participant) engine.Viewer {
	if p.role == RolePlayer || p.role == RoleConnectedBot {
		return engine.ColorViewer(p.color)
	}
	return engine.VisionViewer(p.vision)
}

// Leave disconnects a client's handle without forgetting their standing,
// so a later Join can restore it mid-match. After the match has ended,
// Join no longer happens, so Leave removes the participant outright —
// letting the post-game linger's empty check converge.
func (g *Game) Leave(ctx context.Context, id string) error {
	return g.call(ctx, func() error {
		p, ok := g.participants[id]
		if !ok {
			return nil
		}
		if g.over {
			delete(g.participants, id)
			return nil
		}
		p.handle.Take()
		return nil
	})
}

// Dispatch routes one in-match application message: Sync (rest/plan
// acknowledgement), Orders (submitted plan), or Resign.
func (g *Game) Dispatch(ctx context.Context, id string, msg protocol.Message) error {
	return g.call(ctx, func() error {
		p, ok := g.participants[id]
		if !ok {
			return fmt.Errorf("game %s: unknown client %s", g.id, id)
		}
		switch m := msg.(type) {
		case *protocol.Sync:
			p.hasSynced = true
			return nil
		case *protocol.Orders:
			if p.role != RolePlayer && p.role != RoleConnectedBot {
				return fmt.Errorf("game %s: %s is not a player", g.id, id)
			}
			if p.isDefeated || p.isRetired {
				return fmt.Errorf("game %s: %s is defeated", g.id, id)
			}
			p.orders = m.Orders
			p.submitted = true
			return nil
		case *protocol.Resign:
			return g.resignLocked(p)
		default:
			return nil
		}
	})
}

func (g *Game) resignLocked(p *participant) error {
	if p.role != RolePlayer {
		return fmt.Errorf("game %s: %s is not a player", g.id, p.id)
	}
	g.automaton.Resign(p.color)
	p.isRetired = true
	if p.rated && g.rating != nil {
		result := protocol.GameResult{
			UserID:     ratingKey(p),
			IsRated:    g.phaseActionCount >= 3,
			Score:      g.automaton.Score(p.color),
			MatchType:  p.matchType,
			FFAPlayers: p.ffaPlayers,
			Challenge:  p.challenge,
		}
		_ = g.rating.Report(context.Background(), result)
	}
	p.rated = false
	return nil
}
