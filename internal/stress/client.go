package stress

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/version"
)

// client is a minimal raw-TCP peer speaking the wire protocol directly,
// standing in for a real game client the way the server's own tests drive
// internal/server over a real net.Listener.
type client struct {
	conn net.Conn
}

func dial(ctx context.Context, target string) (*client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) send(msg protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, body)
}

func (c *client) recv(timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		payload, isPulse, err := protocol.ReadFrame(c.conn, protocol.MessageSizeLimit)
		if err != nil {
			return nil, err
		}
		if isPulse {
			continue
		}
		return protocol.Decode(payload)
	}
}

// handshake sends the client's version and waits for the server's own, the
// same exchange spec.md §8's "Handshake happy path" seed test describes.
func (c *client) handshake(v version.Version) error {
	if err := c.send(&protocol.VersionMsg{Version: v}); err != nil {
		return err
	}
	_, err := c.recv(5 * time.Second)
	return err
}

// login sends the token and waits for the matching join_server reply.
func (c *client) login(token string) error {
	if err := c.send(&protocol.JoinServer{Content: token, Sender: token}); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.recv(deadline.Sub(time.Now()))
		if err != nil {
			return err
		}
		if js, ok := msg.(*protocol.JoinServer); ok && js.Status != nil {
			if *js.Status != protocol.JoinServerStatusSuccess {
				return fmt.Errorf("login rejected: status %d", *js.Status)
			}
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for login reply")
}

// postAndQuit posts content to the general channel, then sends Quit and
// closes the socket, completing this client's part of the baton pass.
func (c *client) postAndQuit(content string) error {
	if err := c.send(&protocol.Chat{Content: content}); err != nil {
		return err
	}
	return c.send(&protocol.Quit{})
}
