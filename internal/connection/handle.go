// Package connection implements the per-socket actor: frame decode/encode,
// the version handshake, the login funnel to the identity service, and the
// ping/pulse liveness sub-tasks (spec §4.1).
package connection

import (
	"sync"

	"github.com/lattice-games/server/internal/protocol"
)

// Handle is a client's outbound mailbox as seen by every other actor
// (Chat, Lobby, Game): either Connected, owning a sender, or terminal. Per
// the redesign in spec's Design Notes, this replaces a two-variant
// Connected/Disconnected enum with a single poisoning handle: every Send
// is fallible, and a failed send swaps the handle to terminal for good —
// callers never need to branch on which variant they hold.
type Handle struct {
	mu  sync.Mutex
	out chan<- protocol.Message // nil once terminal
}

// NewHandle wraps an outbound channel as a live Handle.
func NewHandle(out chan<- protocol.Message) *Handle {
	return &Handle{out: out}
}

// Terminal returns a Handle that is already disconnected, e.g. for a
// rejoin slot that was never actually connected.
func Terminal() *Handle {
	return &Handle{}
}

// Send attempts to enqueue msg for delivery. A full queue or an already-
// terminal handle both poison the handle and return an error; callers
// should treat the error as "this recipient is gone" rather than retry.
func (h *Handle) Send(msg protocol.Message) error {
	h.mu.Lock()
	out := h.out
	h.mu.Unlock()

	if out == nil {
		return errDisconnected
	}

	select {
	case out <- msg:
		return nil
	default:
		h.Take()
		return errQueueFull
	}
}

// Take swaps the handle to terminal, idempotently. Called by the owning
// Conn on shutdown, and by Send on a failed delivery.
func (h *Handle) Take() {
	h.mu.Lock()
	h.out = nil
	h.mu.Unlock()
}

// Connected reports whether the handle still owns a live sender.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out != nil
}
