package engine

import (
	"encoding/json"
	"fmt"

	"github.com/lattice-games/server/internal/protocol"
)

// Reference is a small deterministic stand-in for the real engine. It
// produces well-formed but simplistic change sets and is used only by
// tests and the counting/webtest tools; it is never presented to a real
// client as the genuine game rules.
type Reference struct {
	colors   []Color
	round    int
	defeated map[Color]bool
	resigned map[Color]bool
	score    map[Color]int
	pending  map[Color][]protocol.RawChange
	active   bool
	gameOver bool
	changed  map[Color]bool // colors newly defeated since the last Defeated() call
}

// NewReference builds a Reference automaton seeded with the given colors.
func NewReference(colors []Color) *Reference {
	r := &Reference{
		colors:   append([]Color(nil), colors...),
		defeated: make(map[Color]bool),
		resigned: make(map[Color]bool),
		score:    make(map[Color]int),
		pending:  make(map[Color][]protocol.RawChange),
		changed:  make(map[Color]bool),
	}
	for _, c := range colors {
		r.score[c] = 0
	}
	return r
}

func (r *Reference) Colors() []Color { return append([]Color(nil), r.colors...) }

func (r *Reference) IsActive() bool { return r.active }

func (r *Reference) IsGameOver() bool { return r.gameOver }

func roundChange(round int, kind string, extra map[string]any) protocol.RawChange {
	obj := map[string]any{"type": kind, "round": round}
	for k, v := range extra {
		obj[k] = v
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("engine: marshaling reference change: %v", err))
	}
	return protocol.RawChange(raw)
}

// Act produces one step's visible changes, then marks itself inactive: the
// reference engine never needs more than one Act call per round.
func (r *Reference) Act() *ChangeSet {
	r.round++
	cs := NewChangeSet()
	for _, c := range r.colors {
		if r.defeated[c] || r.resigned[c] {
			continue
		}
		cs.SetForColor(c, []protocol.RawChange{roundChange(r.round, "round_started", nil)})
	}
	cs.SetForVision(VisionNormal, []protocol.RawChange{roundChange(r.round, "round_started", nil)})
	cs.SetForVision(VisionGlobal, []protocol.RawChange{roundChange(r.round, "round_started", nil)})
	r.active = false
	if r.round >= 100 {
		r.gameOver = true
	}
	return cs
}

func (r *Reference) Defeated() []Color {
	var out []Color
	for c, yes := range r.changed {
		if yes {
			out = append(out, c)
		}
	}
	r.changed = make(map[Color]bool)
	return out
}

func (r *Reference) Hibernate() {}

func (r *Reference) Awake() *ChangeSet {
	cs := NewChangeSet()
	msg := []protocol.RawChange{roundChange(r.round, "staging", nil)}
	for _, c := range r.colors {
		cs.SetForColor(c, msg)
	}
	cs.SetForVision(VisionNormal, msg)
	cs.SetForVision(VisionGlobal, msg)
	return cs
}

func (r *Reference) Receive(c Color, orders []protocol.RawChange) {
	r.pending[c] = orders
}

// Prepare folds submitted orders into the score (one point per order) and
// clears them, activating the engine for the next Act call.
func (r *Reference) Prepare() *ChangeSet {
	cs := NewChangeSet()
	for _, c := range r.colors {
		orders := r.pending[c]
		r.score[c] += len(orders)
		delete(r.pending, c)
		cs.SetForColor(c, []protocol.RawChange{roundChange(r.round, "orders_accepted", map[string]any{"count": len(orders)})})
	}
	cs.SetForVision(VisionNormal, nil)
	cs.SetForVision(VisionGlobal, nil)
	r.active = true
	return cs
}

func (r *Reference) Resign(c Color) {
	r.resigned[c] = true
	r.defeated[c] = true
	r.changed[c] = true
	r.checkGameOver()
}

func (r *Reference) checkGameOver() {
	remaining := 0
	for _, c := range r.colors {
		if !r.defeated[c] {
			remaining++
		}
	}
	if remaining <= 1 {
		r.gameOver = true
	}
}

func (r *Reference) Rejoin(viewer Viewer) []protocol.RawChange {
	return []protocol.RawChange{roundChange(r.round, "replay", map[string]any{"for": fmt.Sprintf("%+v", viewer)})}
}

func (r *Reference) Score(c Color) int { return r.score[c] }

var _ Automaton = (*Reference)(nil)
