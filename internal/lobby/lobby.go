// Package lobby implements the lobby state machine (spec §4.3): a setup
// room that accepts configuration edits and membership changes, then
// freezes and hands its membership off to a Game actor.
package lobby

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/engine"
	"github.com/lattice-games/server/internal/keycode"
	"github.com/lattice-games/server/internal/protocol"
)

// Type enumerates the lobby's purpose, chosen at creation or by
// PickChallenge.
type Type int

const (
	TypeGeneric Type = iota
	TypeOneVsOne
	TypeCustom
	TypeTutorial
	TypeChallenge
	TypeReplay
)

// MaxPlayers bounds lobby membership, per engine.MaxPlayers (invariant 2).
const MaxPlayers = engine.MaxPlayers

// StagingGraceSeconds is the default 10-second staging grace window.
const StagingGraceSeconds = 10

// Member is one client registered in a lobby.
type Member struct {
	ID       string
	UserID   string
	Username string
	Handle   *connection.Handle
	JoinSalt []byte
	SpecSalt []byte
	IsOwner  bool
}

// Lobby is the single-owner actor for one game-setup room. Like Chat, its
// state is mutated only from its own Run goroutine; other actors reach it
// through request/reply channels via the Registry.
type Lobby struct {
	id           string
	name         string
	description  string
	visibility   Visibility
	kind         Type
	mapName      string
	mapMeta      protocol.MapMetadata
	ruleset      string
	planningTime *int
	challengeID  *string

	members []*Member
	bots    int
	skins   map[string]string

	inGame bool

	reqs chan request
}

// Visibility governs whether unsecret joins succeed.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
)

type request struct {
	fn   func() error
	done chan error
}

// New creates a Lobby in Setup with the given id/name; the first member to
// join becomes its owner.
func New(id, name string, visibility Visibility) *Lobby {
	return &Lobby{
		id:         id,
		name:       name,
		visibility: visibility,
		kind:       TypeGeneric,
		skins:      make(map[string]string),
		reqs:       make(chan request, 64),
	}
}

// Run processes requests serially until ctx is cancelled.
func (l *Lobby) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.reqs:
			req.done <- req.fn()
		}
	}
}

// call serializes fn through the single run loop and waits for its result.
func (l *Lobby) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case l.reqs <- request{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mintSalt() ([]byte, error) {
	buf := make([]byte, 20) // 160 bits
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("lobby: minting salt: %w", err)
	}
	return buf, nil
}

// Join admits member to the lobby. A public lobby accepts any join; a
// private one requires secret to match the stored join or spectate salt
// of a current member.
func (l *Lobby) Join(ctx context.Context, member connection.Member, secret string) error {
	return l.call(ctx, func() error {
		if l.inGame {
			return fmt.Errorf("lobby %s: already in game", l.id)
		}
		if len(l.members) >= MaxPlayers {
			return fmt.Errorf("lobby %s: full", l.id)
		}
		if l.visibility == VisibilityPrivate {
			if !l.secretValid(secret) {
				return fmt.Errorf("lobby %s: invalid secret", l.id)
			}
		}

		joinSalt, err := mintSalt()
		if err != nil {
			return err
		}
		specSalt, err := mintSalt()
		if err != nil {
			return err
		}

		m := &Member{
			ID:       member.ID,
			UserID:   member.Login.UserID,
			Username: member.Login.Username,
			Handle:   member.Handle,
			JoinSalt: joinSalt,
			SpecSalt: specSalt,
			IsOwner:  len(l.members) == 0,
		}
		l.members = append(l.members, m)

		secrets := &protocol.Secrets{
			LobbyID:  l.id,
			Join:     l.formatSecret(m.ID, joinSalt),
			Spectate: l.formatSecret(m.ID, specSalt),
		}
		_ = m.Handle.Send(secrets)
		return nil
	})
}

func (l *Lobby) formatSecret(memberID string, salt []byte) string {
	return l.id + "-" + memberID + "-" + keycode.EncodeBytes(salt)
}

// secretValid checks a presented invite secret against every member's
// stored salts (join or spectate — both admit, callers downstream decide
// the resulting role).
func (l *Lobby) secretValid(secret string) bool {
	for _, m := range l.members {
		if secret == l.formatSecret(m.ID, m.JoinSalt) || secret == l.formatSecret(m.ID, m.SpecSalt) {
			return true
		}
	}
	return false
}

// Leave removes a member; the lobby's disbanding is the registry's
// responsibility once membership empties.
func (l *Lobby) Leave(ctx context.Context, id string) error {
	return l.call(ctx, func() error {
		for i, m := range l.members {
			if m.ID == id {
				l.members = append(l.members[:i], l.members[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// MemberCount reports current membership, used by the registry to decide
// whether a lobby should be disbanded.
func (l *Lobby) MemberCount(ctx context.Context) (int, error) {
	var n int
	err := l.call(ctx, func() error {
		n = len(l.members)
		return nil
	})
	return n, err
}

// PickMap sets the lobby's map while still in Setup.
func (l *Lobby) PickMap(ctx context.Context, name string, meta protocol.MapMetadata) error {
	return l.call(ctx, func() error {
		if l.inGame {
			return fmt.Errorf("lobby %s: cannot change map once in game", l.id)
		}
		l.mapName = name
		l.mapMeta = meta
		return nil
	})
}

// Broadcast sends msg to every current member, used to hand out a picked
// map's content-addressed Stamp right after PickMap (spec.md §6).
func (l *Lobby) Broadcast(ctx context.Context, msg protocol.Message) error {
	return l.call(ctx, func() error {
		for _, m := range l.members {
			_ = m.Handle.Send(msg)
		}
		return nil
	})
}

// PickChallenge switches the lobby to Challenge type.
func (l *Lobby) PickChallenge(ctx context.Context, challengeID string) error {
	return l.call(ctx, func() error {
		if l.inGame {
			return fmt.Errorf("lobby %s: cannot change challenge once in game", l.id)
		}
		l.kind = TypeChallenge
		l.challengeID = &challengeID
		return nil
	})
}

// MarkTutorial switches the lobby to Tutorial type, used for the
// single-player-vs-LocalBot lobby the Tutorial message seeds.
func (l *Lobby) MarkTutorial(ctx context.Context, challengeID string) error {
	return l.call(ctx, func() error {
		l.kind = TypeTutorial
		if challengeID != "" {
			l.challengeID = &challengeID
		}
		return nil
	})
}

// SetPlanningTime configures the planning timer, nil meaning "default (24h)".
func (l *Lobby) SetPlanningTime(ctx context.Context, seconds *int) error {
	return l.call(ctx, func() error {
		l.planningTime = seconds
		return nil
	})
}

// SetSkins merges a client's chosen cosmetic skin ids into the lobby's
// configuration, keyed by member id, replayed to the match on start and to
// every later rejoin via the protocol.Skins message.
func (l *Lobby) SetSkins(ctx context.Context, updates map[string]string) error {
	return l.call(ctx, func() error {
		for id, skin := range updates {
			l.skins[id] = skin
		}
		return nil
	})
}

// SkinsSnapshot reports the lobby's current skin configuration, handed to
// the Game actor at match start.
func (l *Lobby) SkinsSnapshot(ctx context.Context) (map[string]string, error) {
	snapshot := make(map[string]string)
	err := l.call(ctx, func() error {
		for id, skin := range l.skins {
			snapshot[id] = skin
		}
		return nil
	})
	return snapshot, err
}

// BriefingText reports the scripted flavour text for this lobby's
// tutorial/challenge type, or "" if it's an ordinary match (spec.md §12).
func (l *Lobby) BriefingText(ctx context.Context) (string, error) {
	var text string
	err := l.call(ctx, func() error {
		switch l.kind {
		case TypeTutorial:
			text = "Welcome to the tutorial. Your opponent is a local bot."
		case TypeChallenge:
			if l.challengeID != nil {
				text = "Challenge: " + *l.challengeID
			}
		}
		return nil
	})
	return text, err
}

// Summary reports this lobby's ListLobby entry.
func (l *Lobby) Summary(ctx context.Context) (protocol.LobbySummary, error) {
	var s protocol.LobbySummary
	err := l.call(ctx, func() error {
		s = protocol.LobbySummary{
			ID:         l.id,
			Name:       l.name,
			NumPlayers: len(l.members),
			MaxPlayers: MaxPlayers,
			IsPublic:   l.visibility == VisibilityPublic,
			InGame:     l.inGame,
		}
		return nil
	})
	return s, err
}

// StartGame freezes Setup and reports the membership snapshot a caller
// should hand to a new Game actor (see internal/game).
func (l *Lobby) StartGame(ctx context.Context) ([]*Member, error) {
	var snapshot []*Member
	err := l.call(ctx, func() error {
		if l.inGame {
			return fmt.Errorf("lobby %s: already started", l.id)
		}
		if len(l.members) == 0 {
			return fmt.Errorf("lobby %s: cannot start with no members", l.id)
		}
		l.inGame = true
		snapshot = append(snapshot, l.members...)
		return nil
	})
	return snapshot, err
}
