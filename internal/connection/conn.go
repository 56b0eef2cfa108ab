package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-games/server/internal/identity"
	"github.com/lattice-games/server/internal/killer"
	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/version"
)

const (
	pulseInterval      = 4 * time.Second
	defaultPongTimeout = 120 * time.Second
	sendQueueSize      = 64
	outboxSize         = 64
)

// MinVersionFloor is the oldest client release still admitted (spec §4.1).
var MinVersionFloor = version.Version{Major: 0, Minor: 33, Patch: 0}

// Conn is one TCP socket's actor: a read half, a write half, a bounded
// outbound queue, a capacity-1 login funnel, and a subscription to the
// server-wide shutdown state. Mirrors the teacher's per-client async write
// queue (sendCh/closeCh/closeOnce), generalized from raw encrypted packets
// to typed protocol.Message values.
type Conn struct {
	id       string
	netConn  net.Conn
	identity *identity.Client
	upstream Upstream
	killer   *killer.Killer

	handle *Handle
	outbox chan protocol.Message

	hasProperVersion atomic.Bool
	closing          atomic.Bool
	joined           atomic.Bool

	lastReceive atomic.Int64 // unix nanos

	pingRequest chan struct{}
	pongReceipt chan struct{}

	loginCh   chan loginRequest
	closeOnce sync.Once
	closeCh   chan struct{}

	pongTimeout time.Duration
	userID      string
}

type loginRequest struct {
	token        string
	accountID    string
	challengeKey string
}

// New builds a Conn around an already-accepted socket. id is the keycode
// minted by the acceptance loop.
func New(id string, netConn net.Conn, ident *identity.Client, upstream Upstream, k *killer.Killer) *Conn {
	c := &Conn{
		id:          id,
		netConn:     netConn,
		identity:    ident,
		upstream:    upstream,
		killer:      k,
		outbox:      make(chan protocol.Message, outboxSize),
		pingRequest: make(chan struct{}, 1),
		pongReceipt: make(chan struct{}, 1),
		loginCh:     make(chan loginRequest, 1),
		closeCh:     make(chan struct{}),
		pongTimeout: defaultPongTimeout,
	}
	c.handle = NewHandle(c.outbox)
	c.lastReceive.Store(time.Now().UnixNano())
	return c
}

// Handle returns the mailbox other actors use to reach this connection.
func (c *Conn) Handle() *Handle { return c.handle }

// Run drives every sub-task until one fails or the connection closes
// cleanly, then tears the rest down. All sub-tasks share this one join
// point (spec §4.1: "share termination via a single join point; failure
// of any aborts the rest").
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()

	// receiveLoop blocks in a plain net.Conn.Read with no way to observe
	// ctx directly; closing the socket on cancellation is what actually
	// unblocks it.
	go func() {
		<-ctx.Done()
		_ = c.netConn.Close()
	}()

	// Each sub-task's completion — clean or not — tears the rest down:
	// errgroup.WithContext only cancels automatically on a non-nil error,
	// but a clean Quit (nil error) must end the connection just as surely.
	g, ctx := errgroup.WithContext(ctx)
	run := func(fn func(context.Context) error) func() error {
		return func() error {
			defer cancel()
			return fn(ctx)
		}
	}
	g.Go(run(c.receiveLoop))
	g.Go(run(c.sendLoop))
	g.Go(run(c.pulseLoop))
	g.Go(run(c.pingLoop))
	g.Go(run(c.loginLoop))
	g.Go(run(c.stateLoop))

	err := g.Wait()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		slog.Warn("connection: closed with error", "id", c.id, "error", err)
	}
	return nil
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.handle.Take()
		_ = c.netConn.Close()
		if c.joined.Load() {
			c.upstream.Leave(context.Background(), c.id)
		}
	})
}

// stateLoop watches the server-wide shutdown state and relays it to the
// client; neither transition terminates the connection by itself.
func (c *Conn) stateLoop(ctx context.Context) error {
	sub := c.killer.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case state, ok := <-sub:
			if !ok {
				return nil
			}
			switch state {
			case killer.StateClosing:
				c.enqueue(&protocol.Closing{})
			case killer.StateClosed:
				c.enqueue(&protocol.Closed{})
			}
		}
	}
}

// receiveLoop reads frames and drives the version/login/message state
// machine (spec §4.1 per-message policy table).
func (c *Conn) receiveLoop(ctx context.Context) error {
	for {
		limit := protocol.MessageSizeLimit
		if !c.hasProperVersion.Load() {
			limit = protocol.MessageSizeUnversionedLimit
		}

		payload, isPulse, err := protocol.ReadFrame(c.netConn, limit)
		if err != nil {
			return err
		}
		c.lastReceive.Store(time.Now().UnixNano())
		if isPulse {
			continue
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			return fmt.Errorf("connection %s: %w", c.id, err)
		}

		if err := c.handleInbound(ctx, msg); err != nil {
			return err
		}
		if _, isQuit := msg.(*protocol.Quit); isQuit {
			return nil
		}
	}
}

func (c *Conn) handleInbound(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Ping:
		c.enqueue(&protocol.Pong{})
		return nil
	case *protocol.Pong:
		select {
		case c.pongReceipt <- struct{}{}:
		default:
		}
		return nil
	case *protocol.VersionMsg:
		return c.handleVersion(m)
	case *protocol.Quit:
		// sendLoop's deferred drainFinalQuit emits the echo on teardown;
		// no need to enqueue one here too (and doing so would risk a
		// second Quit write blocking forever on a peer that stopped
		// reading after the first).
		return nil
	}

	if !c.hasProperVersion.Load() {
		return fmt.Errorf("%w: %s", errIllegalMessage, msg.Kind())
	}

	if js, ok := msg.(*protocol.JoinServer); ok && js.Status == nil {
		return c.handleJoinRequest(js)
	}

	return c.upstream.Dispatch(ctx, c.id, msg)
}

// handleVersion is the one-shot handshake: reply with our own version, and
// only flag the connection as properly versioned when majors match, the
// peer sent a defined version, and it meets the floor.
func (c *Conn) handleVersion(m *protocol.VersionMsg) error {
	c.enqueue(&protocol.VersionMsg{Version: version.Current})

	if !m.Version.CompatibleWith(version.Current) {
		slog.Info("connection: version incompatible, leaving unversioned", "id", c.id, "peer", m.Version)
		return nil
	}
	if !m.Version.AtLeast(MinVersionFloor) {
		slog.Info("connection: version below floor, leaving unversioned", "id", c.id, "peer", m.Version)
		return nil
	}

	c.hasProperVersion.Store(true)
	select {
	case c.pingRequest <- struct{}{}:
	default:
	}
	return nil
}

// handleJoinRequest funnels a login attempt through the capacity-1 queue
// that protects the identity service from a burst of concurrent requests
// on this one connection.
func (c *Conn) handleJoinRequest(m *protocol.JoinServer) error {
	req := loginRequest{token: m.Content, accountID: m.Sender}
	select {
	case c.loginCh <- req:
		return nil
	default:
		status := protocol.JoinServerStatusConnectionFailed
		c.enqueue(&protocol.JoinServer{Status: &status})
		return nil
	}
}

// loginLoop serializes login requests to the identity service one at a
// time, reflecting the capacity-1 protection described in spec §4.1.
func (c *Conn) loginLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case req := <-c.loginCh:
			c.processLogin(ctx, req)
		}
	}
}

func (c *Conn) processLogin(ctx context.Context, req loginRequest) {
	result, err := c.identity.ValidateSession(ctx, req.token, req.challengeKey)
	if err != nil || result.Status != identity.StatusSuccess {
		status := protocol.JoinServerStatus(result.Status)
		if err != nil {
			status = protocol.JoinServerStatusConnectionFailed
		}
		c.enqueue(&protocol.JoinServer{Status: &status})
		return
	}

	data := LoginData{
		UserID:      req.accountID,
		Username:    result.Username,
		Unlocks:     result.Unlocks,
		Rating:      result.Rating,
		Stars:       result.Stars,
		RecentStars: result.RecentStars,
	}
	c.userID = data.UserID

	if err := c.upstream.Join(ctx, Member{ID: c.id, Login: data, Handle: c.handle}); err != nil {
		status := protocol.JoinServerStatusConnectionFailed
		c.enqueue(&protocol.JoinServer{Status: &status})
		return
	}
	c.joined.Store(true)

	successStatus := protocol.JoinServerStatusSuccess
	c.enqueue(&protocol.JoinServer{Status: &successStatus})
}

// sendLoop is the connection's only writer: every other sub-task enqueues
// onto c.outbox instead of touching the socket directly, so frames are
// never interleaved on the wire. A nil entry means "pulse" (spec §4.1:
// outbound pulses are four zero bytes, not a tagged message).
func (c *Conn) sendLoop(ctx context.Context) error {
	defer c.drainFinalQuit()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case msg := <-c.outbox:
			var err error
			if msg == nil {
				err = protocol.WritePulse(c.netConn)
			} else {
				err = c.writeMessage(msg)
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) drainFinalQuit() {
	_ = c.writeMessage(&protocol.Quit{})
}

func (c *Conn) writeMessage(msg protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.netConn, body)
}

// pulseLoop enqueues a zero-length pulse frame every four seconds to keep
// the peer's own receive timer fresh.
func (c *Conn) pulseLoop(ctx context.Context) error {
	ticker := time.NewTicker(pulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case <-ticker.C:
			select {
			case c.outbox <- nil:
			default:
				slog.Warn("connection: outbox full, dropping pulse", "id", c.id)
			}
		}
	}
}

// pingLoop fires a Ping on request (once, right after a successful version
// handshake) or when the peer has been silent too long, and marks the
// connection dead if no Pong arrives within the current tolerance.
func (c *Conn) pingLoop(ctx context.Context) error {
	inactivityCheck := time.NewTicker(pulseInterval)
	defer inactivityCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case <-c.pingRequest:
			if err := c.pingAndAwait(ctx); err != nil {
				return err
			}
		case <-inactivityCheck.C:
			last := time.Unix(0, c.lastReceive.Load())
			if time.Since(last) >= c.pongTimeout {
				if err := c.pingAndAwait(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Conn) pingAndAwait(ctx context.Context) error {
	c.enqueue(&protocol.Ping{})
	timer := time.NewTimer(c.pongTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return nil
	case <-c.pongReceipt:
		return nil
	case <-timer.C:
		return fmt.Errorf("connection %s: ping timeout after %s", c.id, c.pongTimeout)
	}
}

// enqueue is the connection's own internal fast path for writing to
// itself, bypassing Handle (which is for other actors); a full outbox
// here means the connection itself is backed up and should die.
func (c *Conn) enqueue(msg protocol.Message) {
	select {
	case c.outbox <- msg:
	default:
		slog.Warn("connection: outbox full, closing", "id", c.id, "kind", msg.Kind())
		_ = c.netConn.Close()
	}
}
