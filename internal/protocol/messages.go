package protocol

import (
	"encoding/json"

	"github.com/lattice-games/server/internal/version"
)

func init() {
	register("ping", func() Message { return &Ping{} })
	register("pong", func() Message { return &Pong{} })
	register("version", func() Message { return &VersionMsg{} })
	register("quit", func() Message { return &Quit{} })
	register("closing", func() Message { return &Closing{} })
	register("closed", func() Message { return &Closed{} })
	register("init", func() Message { return &Init{} })
	register("join_server", func() Message { return &JoinServer{} })
	register("leave_server", func() Message { return &LeaveServer{} })
	register("chat", func() Message { return &Chat{} })
	register("join_lobby", func() Message { return &JoinLobby{} })
	register("leave_lobby", func() Message { return &LeaveLobby{} })
	register("make_lobby", func() Message { return &MakeLobby{} })
	register("disband_lobby", func() Message { return &DisbandLobby{} })
	register("list_lobby", func() Message { return &ListLobby{} })
	register("list_map", func() Message { return &ListMap{} })
	register("pick_map", func() Message { return &PickMap{} })
	register("pick_challenge", func() Message { return &PickChallenge{} })
	register("secrets", func() Message { return &Secrets{} })
	register("game", func() Message { return &Game{} })
	register("tutorial", func() Message { return &Tutorial{} })
	register("briefing", func() Message { return &Briefing{} })
	register("assign_color", func() Message { return &AssignColor{} })
	register("skins", func() Message { return &Skins{} })
	register("sync", func() Message { return &Sync{} })
	register("changes", func() Message { return &Changes{} })
	register("replay_with_animations", func() Message { return &ReplayWithAnimations{} })
	register("updated_rating", func() Message { return &UpdatedRating{} })
	register("recent_stars", func() Message { return &RecentStars{} })
	register("stamp", func() Message { return &Stamp{} })
	register("patch", func() Message { return &Patch{} })
	register("orders", func() Message { return &Orders{} })
	register("resign", func() Message { return &Resign{} })
	register("game_result", func() Message { return &GameResult{} })
}

// Ping requests a Pong in reply; used to estimate latency and detect dead
// peers.
type Ping struct{}

func (*Ping) Kind() string { return "ping" }

// Pong answers a Ping.
type Pong struct{}

func (*Pong) Kind() string { return "pong" }

// VersionMsg carries a four-part version during the handshake, in both
// directions.
type VersionMsg struct {
	Version version.Version `json:"version"`
}

func (*VersionMsg) Kind() string { return "version" }

// Quit is sent by a client to end its connection cleanly, and echoed back
// by the server before it closes the socket.
type Quit struct{}

func (*Quit) Kind() string { return "quit" }

// Closing announces that the server has begun a graceful shutdown
// (kill=1): no further connections are accepted.
type Closing struct{}

func (*Closing) Kind() string { return "closing" }

// Closed announces that shutdown has completed (kill=2): the server is
// about to exit.
type Closed struct{}

func (*Closed) Kind() string { return "closed" }

// Init tells a newly-joined client that the server has finished streaming
// its initial state (roster, lobby list).
type Init struct{}

func (*Init) Kind() string { return "init" }

// JoinServerStatus enumerates the outcome of a login attempt.
type JoinServerStatus int

const (
	JoinServerStatusSuccess JoinServerStatus = iota
	JoinServerStatusCredsInvalid
	JoinServerStatusAccountLocked
	JoinServerStatusConnectionFailed = 98
	JoinServerStatusUnknown          = 99
)

// JoinServer is both the announcement that a user joined the global chat
// room (Content holds their username, Status/Sender empty) and the
// server's reply to a login attempt (Status set, Content/Sender empty on
// failure).
type JoinServer struct {
	Status   *JoinServerStatus `json:"status,omitempty"`
	Content  string            `json:"content,omitempty"`
	Sender   string            `json:"sender,omitempty"`
	Metadata *JoinMetadata     `json:"metadata,omitempty"`
}

func (*JoinServer) Kind() string { return "join_server" }

// JoinMetadata flags unlock-derived display hints attached to a join
// announcement (nil when no flags apply).
type JoinMetadata struct {
	Dev   bool `json:"dev,omitempty"`
	Guest bool `json:"guest,omitempty"`
}

// LeaveServer announces that a user left the global chat room.
type LeaveServer struct {
	Content string `json:"content,omitempty"`
}

func (*LeaveServer) Kind() string { return "leave_server" }

// Chat is a single chat line, fanned out verbatim to every recipient.
type Chat struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	Target  string `json:"target,omitempty"`
}

func (*Chat) Kind() string { return "chat" }

// JoinLobby requests or confirms membership in a lobby. Secret carries an
// invite secret for non-public lobbies; empty for a public join.
type JoinLobby struct {
	LobbyID string `json:"lobby_id"`
	Secret  string `json:"secret,omitempty"`
}

func (*JoinLobby) Kind() string { return "join_lobby" }

// LeaveLobby requests or confirms departure from a lobby.
type LeaveLobby struct {
	LobbyID string `json:"lobby_id"`
}

func (*LeaveLobby) Kind() string { return "leave_lobby" }

// MakeLobby requests creation of a new lobby.
type MakeLobby struct {
	Name string `json:"name"`
}

func (*MakeLobby) Kind() string { return "make_lobby" }

// DisbandLobby signals that a lobby has been destroyed.
type DisbandLobby struct {
	LobbyID string `json:"lobby_id"`
}

func (*DisbandLobby) Kind() string { return "disband_lobby" }

// LobbySummary is one entry in a ListLobby response.
type LobbySummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NumPlayers  int    `json:"num_players"`
	MaxPlayers  int    `json:"max_players"`
	IsPublic    bool   `json:"is_public"`
	InGame      bool   `json:"in_game"`
}

// ListLobby enumerates the open lobbies.
type ListLobby struct {
	Lobbies []LobbySummary `json:"lobbies"`
}

func (*ListLobby) Kind() string { return "list_lobby" }

// MapMetadata is the first-line JSON header of a `.map` asset file.
type MapMetadata struct {
	PlayerCount int    `json:"playercount"`
	Name        string `json:"name,omitempty"`
}

// ListMap enumerates the map assets available on disk.
type ListMap struct {
	Maps []MapMetadata `json:"maps"`
}

func (*ListMap) Kind() string { return "list_map" }

// PickMap selects the map for a lobby still in Setup.
type PickMap struct {
	LobbyID string `json:"lobby_id"`
	Map     string `json:"map"`
}

func (*PickMap) Kind() string { return "pick_map" }

// PickChallenge selects a named scripted scenario for a lobby still in
// Setup, switching its Type to Challenge.
type PickChallenge struct {
	LobbyID     string `json:"lobby_id"`
	ChallengeID string `json:"challenge_id"`
}

func (*PickChallenge) Kind() string { return "pick_challenge" }

// Secrets carries the two invite secrets (join, spectate) minted for a
// client by the lobby owner.
type Secrets struct {
	LobbyID string `json:"lobby_id"`
	Join    string `json:"join"`
	Spectate string `json:"spectate"`
}

func (*Secrets) Kind() string { return "secrets" }

// Game announces a client's role and configuration upon entering or
// rejoining a match.
type Game struct {
	LobbyID string  `json:"lobby_id"`
	Role    string  `json:"role"`
	Player  *string `json:"player,omitempty"`
	Ruleset string  `json:"ruleset"`
	Timer   *int    `json:"timer,omitempty"`
}

func (*Game) Kind() string { return "game" }

// Tutorial seeds a single-player lobby against a local bot.
type Tutorial struct {
	ChallengeID string `json:"challenge_id,omitempty"`
}

func (*Tutorial) Kind() string { return "tutorial" }

// Briefing carries scripted flavour text shown before a challenge or
// tutorial match begins.
type Briefing struct {
	Text string `json:"text"`
}

func (*Briefing) Kind() string { return "briefing" }

// AssignColor tells a client which in-match color it controls.
type AssignColor struct {
	Player string `json:"player"`
	Color  int    `json:"color"`
}

func (*AssignColor) Kind() string { return "assign_color" }

// Skins replays the cosmetic skin chosen for each player at lobby
// configuration time.
type Skins struct {
	Skins map[string]string `json:"skins"`
}

func (*Skins) Kind() string { return "skins" }

// Sync is the planning-phase handshake: client→server acknowledges
// animations finished; server→client carries the remaining planning time.
type Sync struct {
	TimeRemainingInSeconds *int `json:"time_remaining_in_seconds,omitempty"`
}

func (*Sync) Kind() string { return "sync" }

// Changes carries one viewer's slice of a single engine step's change set.
// The change taxonomy itself (tile transitions, moves, reveals, weather,
// orders, scoring — roughly seventy variants per the engine's own wire
// format) is opaque to the server and passed through as raw JSON.
type Changes struct {
	Changes []RawChange `json:"changes"`
}

func (*Changes) Kind() string { return "changes" }

// RawChange is one opaque engine change: a tagged JSON object the server
// relays verbatim without understanding the engine's full taxonomy.
type RawChange = json.RawMessage

// ReplayWithAnimations brackets a full state replay sent during rejoin,
// telling the client whether to animate the replayed changes.
type ReplayWithAnimations struct {
	On bool `json:"on"`
}

func (*ReplayWithAnimations) Kind() string { return "replay_with_animations" }

// UpdatedRating pushes a player's freshly-adjusted rating.
type UpdatedRating struct {
	Rating float64 `json:"rating"`
}

func (*UpdatedRating) Kind() string { return "updated_rating" }

// RecentStars pushes a player's updated star count for the current
// challenge.
type RecentStars struct {
	Stars int `json:"stars"`
}

func (*RecentStars) Kind() string { return "recent_stars" }

// Stamp carries a content-addressed fingerprint of a map or ruleset asset,
// letting a client cache-bust only when the asset actually changed.
type Stamp struct {
	Asset string `json:"asset"`
	Hash  string `json:"hash"`
}

func (*Stamp) Kind() string { return "stamp" }

// Patch is the optional, off-by-default in-band asset delivery notice: it
// tells a client which asset revision to fetch out of band. It does not
// carry the asset payload itself.
type Patch struct {
	Asset   string `json:"asset"`
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

func (*Patch) Kind() string { return "patch" }

// Orders is a player's or bot's submitted order set for the current
// planning phase, opaque to the server beyond its existence.
type Orders struct {
	Orders []RawChange `json:"orders"`
}

func (*Orders) Kind() string { return "orders" }

// Resign withdraws a player from further rating consideration and
// triggers automaton.resign(color).
type Resign struct{}

func (*Resign) Kind() string { return "resign" }

// GameResult is the message the Game actor sends to the Rating actor (not
// a client-facing wire type, but it shares the tagged-message shape for
// uniform routing through the same dispatch machinery).
type GameResult struct {
	UserID        string  `json:"user_id"`
	IsRated       bool    `json:"is_rated"`
	IsVictorious  bool    `json:"is_victorious"`
	Score         int     `json:"score"`
	AwardedStars  int     `json:"awarded_stars"`
	MatchType     string  `json:"match_type"`
	FFAPlayers    int     `json:"ffa_players,omitempty"`
	Challenge     *string `json:"challenge,omitempty"`
}

func (*GameResult) Kind() string { return "game_result" }
