// Package chat implements the global chat room actor (spec §4.2): it owns
// the roster of logged-in clients, fans out Join/Leave/Msg, and forwards
// every other application message on to the lobby layer.
package chat

import (
	"context"
	"strings"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/protocol"
)

// Client is one roster entry: a logged-in connection's identity and
// mailbox, mirroring the teacher's GameClient/ClientManager roster entry
// but generalized from an account-name-keyed map into a single-owner
// actor's private slice (spec's actor model forbids the teacher's
// mutex-guarded shared map — this package's state is touched only from
// its own run loop).
type Client struct {
	ID       string
	Username string
	Login    connection.LoginData
	Handle   *connection.Handle
	Hidden   bool
	Dead     bool
}

// LobbyRouter is where Chat forwards every application message it does not
// own itself (join_lobby, make_lobby, and so on).
type LobbyRouter interface {
	Dispatch(ctx context.Context, id string, msg protocol.Message) error
}

type joinReq struct {
	member connection.Member
	reply  chan error
}

type leaveReq struct {
	id string
}

type dispatchReq struct {
	id    string
	msg   protocol.Message
	reply chan error
}

// Chat is the single-owner actor. Create it with New and start Run in its
// own goroutine; every method is safe to call concurrently because each
// just hands a request to the run loop over a channel.
type Chat struct {
	router LobbyRouter
	joins  chan joinReq
	leaves chan leaveReq
	msgs   chan dispatchReq
	roster []*Client

	// patch, when set, is sent to every client right after Init — the
	// off-by-default in-band asset delivery notice (spec.md §12).
	patch *protocol.Patch
}

// SetPatch arms the optional patch notice sent to every client on join.
// Called once before Run starts; nil (the default) disables it entirely.
func (c *Chat) SetPatch(p *protocol.Patch) {
	c.patch = p
}

// New builds a Chat actor that forwards unhandled messages to router.
func New(router LobbyRouter) *Chat {
	return &Chat{
		router: router,
		joins:  make(chan joinReq, 32),
		leaves: make(chan leaveReq, 32),
		msgs:   make(chan dispatchReq, 256),
	}
}

// Run processes requests until ctx is cancelled. Intended to be the sole
// goroutine that ever mutates Chat's roster.
func (c *Chat) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.joins:
			req.reply <- c.handleJoin(req.member)
		case req := <-c.leaves:
			c.handleLeave(req.id)
		case req := <-c.msgs:
			req.reply <- c.handleDispatch(ctx, req.id, req.msg)
		}
	}
}

func isHidden(username string) bool {
	return strings.HasPrefix(username, "#")
}

func (c *Chat) handleJoin(member connection.Member) error {
	client := &Client{
		ID:       member.ID,
		Username: member.Login.Username,
		Login:    member.Login,
		Handle:   member.Handle,
		Hidden:   isHidden(member.Login.Username),
	}

	c.ghostbust(member.Login.UserID)

	// Stream the existing non-hidden roster to the newcomer before
	// announcing them, so a client never sees itself appear twice.
	for _, existing := range c.roster {
		if existing.Hidden || existing.Dead {
			continue
		}
		_ = client.Handle.Send(&protocol.JoinServer{Content: existing.Username})
	}

	c.roster = append(c.roster, client)

	if client.Hidden {
		_ = client.Handle.Send(&protocol.JoinServer{Content: client.Username})
	} else {
		c.broadcastExcept(client.ID, &protocol.JoinServer{Content: client.Username})
		_ = client.Handle.Send(&protocol.JoinServer{Content: client.Username})
	}

	_ = client.Handle.Send(&protocol.Init{})
	if c.patch != nil {
		_ = client.Handle.Send(c.patch)
	}
	c.sweepDead()
	return nil
}

// ghostbust evicts any existing roster entry for the same account before a
// reconnect joins, closing the gap the teacher left as a TODO: a connection
// that dies without a clean Leave otherwise leaves a stale entry behind, and
// the account would appear twice in the roster until the stale entry's next
// failed send swept it.
func (c *Chat) ghostbust(userID string) {
	if userID == "" {
		return
	}
	for i, existing := range c.roster {
		if existing.Login.UserID != userID {
			continue
		}
		c.roster = append(c.roster[:i], c.roster[i+1:]...)
		if !existing.Hidden {
			c.broadcastExcept(existing.ID, &protocol.LeaveServer{Content: existing.Username})
		}
		return
	}
}

func (c *Chat) handleLeave(id string) {
	for i, client := range c.roster {
		if client.ID != id {
			continue
		}
		c.roster = append(c.roster[:i], c.roster[i+1:]...)
		if !client.Hidden {
			c.broadcastExcept(id, &protocol.LeaveServer{Content: client.Username})
		}
		return
	}
}

func (c *Chat) handleDispatch(ctx context.Context, id string, msg protocol.Message) error {
	if chatMsg, ok := msg.(*protocol.Chat); ok {
		c.broadcast(chatMsg)
		c.sweepDead()
		return nil
	}
	if c.router == nil {
		return nil
	}
	return c.router.Dispatch(ctx, id, msg)
}

// broadcast fans a message out to the entire roster (spec: "Msg(m) is
// fan-out to all").
func (c *Chat) broadcast(msg protocol.Message) {
	for _, client := range c.roster {
		if client.Dead {
			continue
		}
		if err := client.Handle.Send(msg); err != nil {
			client.Dead = true
		}
	}
}

func (c *Chat) broadcastExcept(exceptID string, msg protocol.Message) {
	for _, client := range c.roster {
		if client.Dead || client.ID == exceptID {
			continue
		}
		if err := client.Handle.Send(msg); err != nil {
			client.Dead = true
		}
	}
}

// sweepDead drops any client marked dead by a failed send, run before the
// next dispatch per spec §4.2.
func (c *Chat) sweepDead() {
	live := c.roster[:0]
	for _, client := range c.roster {
		if !client.Dead {
			live = append(live, client)
		}
	}
	c.roster = live
}

// Join satisfies connection.Upstream.
func (c *Chat) Join(ctx context.Context, member connection.Member) error {
	req := joinReq{member: member, reply: make(chan error, 1)}
	select {
	case c.joins <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave satisfies connection.Upstream.
func (c *Chat) Leave(ctx context.Context, id string) {
	select {
	case c.leaves <- leaveReq{id: id}:
	case <-ctx.Done():
	}
}

// Dispatch satisfies connection.Upstream.
func (c *Chat) Dispatch(ctx context.Context, id string, msg protocol.Message) error {
	req := dispatchReq{id: id, msg: msg, reply: make(chan error, 1)}
	select {
	case c.msgs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ connection.Upstream = (*Chat)(nil)
