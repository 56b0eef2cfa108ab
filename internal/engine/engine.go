// Package engine models the deterministic game-engine façade the spec
// treats as an opaque external collaborator (§9 Design Notes, item c): the
// server never reverse-engineers the engine's internal tables, only drives
// its documented synchronous surface (act/hibernate/awake/prepare/receive/
// rejoin/resign).
package engine

import "github.com/lattice-games/server/internal/protocol"

// Color is one of the eight playercolor slots a match can be initialized
// with. Using a dense, fixed-size enum rather than a hash map follows the
// spec's Design Notes item on EnumMap/HashMap-by-enum-key: fixed-size
// tables keyed by enum values, not hash tables.
type Color int

const (
	ColorNone Color = iota
	ColorRed
	ColorBlue
	ColorYellow
	ColorTeal
	ColorBlack
	ColorPink
	ColorIndigo
	ColorPurple
)

// MaxPlayers is the hard ceiling on lobby/game membership (invariant 2).
const MaxPlayers = 8

// ColorPool lists the eight assignable colors in a stable order, used when
// a lobby or game hands out colors to newly-joined players.
func ColorPool() [MaxPlayers]Color {
	return [MaxPlayers]Color{
		ColorRed, ColorBlue, ColorYellow, ColorTeal,
		ColorBlack, ColorPink, ColorIndigo, ColorPurple,
	}
}

// Vision is a watcher's visibility level: Normal sees only what a
// participating player would see; Global sees the whole board.
type Vision int

const (
	VisionNormal Vision = iota
	VisionGlobal
)

// Viewer identifies one recipient of a ChangeSet: either a specific player
// color, or a vision level for role-based (non-color) watchers.
type Viewer struct {
	Color      Color
	IsColor    bool
	VisionKind Vision
}

// ColorViewer builds a Viewer keyed by player color.
func ColorViewer(c Color) Viewer { return Viewer{Color: c, IsColor: true} }

// VisionViewer builds a Viewer keyed by vision level, for watchers.
func VisionViewer(v Vision) Viewer { return Viewer{VisionKind: v} }

// ChangeSet is the engine's per-viewer mapping of visible changes for a
// single engine step.
type ChangeSet struct {
	byColor  map[Color][]protocol.RawChange
	byVision map[Vision][]protocol.RawChange
}

// NewChangeSet builds an empty ChangeSet ready to accept entries.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		byColor:  make(map[Color][]protocol.RawChange),
		byVision: make(map[Vision][]protocol.RawChange),
	}
}

// SetForColor records the changes visible to a specific player color.
func (cs *ChangeSet) SetForColor(c Color, changes []protocol.RawChange) {
	cs.byColor[c] = changes
}

// SetForVision records the changes visible at a given vision level.
func (cs *ChangeSet) SetForVision(v Vision, changes []protocol.RawChange) {
	cs.byVision[v] = changes
}

// Get returns the changes visible to viewer, or nil if none were recorded.
func (cs *ChangeSet) Get(viewer Viewer) []protocol.RawChange {
	if viewer.IsColor {
		return cs.byColor[viewer.Color]
	}
	return cs.byVision[viewer.VisionKind]
}

// Automaton is the engine's synchronous façade. One Automaton instance
// backs exactly one Game actor's match.
type Automaton interface {
	// Colors returns the playercolor set this match was initialized with
	// (invariant 3: players ∪ connected_bots ∪ local_bots must cover it
	// exactly).
	Colors() []Color

	// IsActive reports whether the engine still has queued changes for
	// the current Act step.
	IsActive() bool

	// IsGameOver reports whether the match has concluded.
	IsGameOver() bool

	// Act requests the next change set from the engine during the Act
	// phase step; called repeatedly while IsActive() is true.
	Act() *ChangeSet

	// Defeated returns the set of colors the engine has newly marked
	// defeated since the last call.
	Defeated() []Color

	// Hibernate parks the engine between Sync and Plan, releasing any
	// resources it only needs while actively stepping.
	Hibernate()

	// Awake wakes the engine for the staging grace window and returns the
	// "awake" change set broadcast to participants.
	Awake() *ChangeSet

	// Receive submits one color's orders ahead of Prepare. Orders for a
	// defeated or retired color must not be forwarded by the caller
	// (invariant 4); Receive itself does not enforce that.
	Receive(c Color, orders []protocol.RawChange)

	// Prepare folds all submitted orders into the next round and returns
	// the resulting change set.
	Prepare() *ChangeSet

	// Resign withdraws a color from further play.
	Resign(c Color)

	// Rejoin produces a full state replay for a client reconnecting with
	// the given vision level.
	Rejoin(viewer Viewer) []protocol.RawChange

	// Score returns a color's current score, used to compute rating
	// adjustment input.
	Score(c Color) int
}
