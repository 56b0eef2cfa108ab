package connection

import (
	"context"

	"github.com/lattice-games/server/internal/protocol"
)

// LoginData is filled in once a login request to the identity service
// succeeds.
type LoginData struct {
	UserID      string
	Username    string
	Unlocks     []string
	Rating      float64
	Stars       int
	RecentStars int
}

// Member is what a Conn hands to Upstream.Join once a client has logged in:
// its keycode, its login data, and the handle the rest of the server
// should use to reach it.
type Member struct {
	ID     string
	Login  LoginData
	Handle *Handle
}

// Upstream is the Chat actor's contract from a Conn's point of view. Chat
// implements this; Conn depends only on the interface so the two packages
// can be built and tested independently.
type Upstream interface {
	// Join registers a newly-logged-in client.
	Join(ctx context.Context, member Member) error
	// Leave unregisters a client by id, e.g. on clean disconnect.
	Leave(ctx context.Context, id string)
	// Dispatch forwards one application message from id's connection
	// upward for routing to Chat, Lobby, or Game as appropriate.
	Dispatch(ctx context.Context, id string, msg protocol.Message) error
}
