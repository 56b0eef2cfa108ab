// Package webtest implements the "webtest" CLI smoke test: a single
// client that dials a running server, completes the version handshake and
// login, round-trips a ping, and leaves — exercising spec.md §8's
// "Handshake happy path" and ping seed tests against a live deployment.
package webtest

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/version"
)

// Run dials the target server and exercises the handshake/login/ping/quit
// happy path once, returning an error for anything that doesn't behave as
// spec.md §8 describes.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("webtest", flag.ContinueOnError)
	addr := fs.String("server", "127.0.0.1", "address of the server to test")
	port := fs.Int("port", 28247, "port of the server to test")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := fmt.Sprintf("%s:%d", *addr, *port)
	slog.Info("webtest: connecting", "target", target)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("webtest: dialing %s: %w", target, err)
	}
	defer conn.Close()

	if err := send(conn, &protocol.VersionMsg{Version: version.Current}); err != nil {
		return fmt.Errorf("webtest: sending version: %w", err)
	}
	reply, err := recv(conn, 5*time.Second)
	if err != nil {
		return fmt.Errorf("webtest: awaiting version reply: %w", err)
	}
	if _, ok := reply.(*protocol.VersionMsg); !ok {
		return fmt.Errorf("webtest: expected version reply, got %s", reply.Kind())
	}
	slog.Info("webtest: version handshake ok")

	token := uuid.NewString()
	if err := send(conn, &protocol.JoinServer{Content: token, Sender: token}); err != nil {
		return fmt.Errorf("webtest: sending login: %w", err)
	}
	if err := awaitLoginSuccess(conn); err != nil {
		return err
	}
	slog.Info("webtest: login ok")

	if err := send(conn, &protocol.Ping{}); err != nil {
		return fmt.Errorf("webtest: sending ping: %w", err)
	}
	if err := awaitPong(conn); err != nil {
		return err
	}
	slog.Info("webtest: ping/pong ok")

	if err := send(conn, &protocol.Quit{}); err != nil {
		return fmt.Errorf("webtest: sending quit: %w", err)
	}

	slog.Info("webtest: scenario completed successfully")
	return nil
}

func send(conn net.Conn, msg protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, body)
}

func recv(conn net.Conn, timeout time.Duration) (protocol.Message, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		payload, isPulse, err := protocol.ReadFrame(conn, protocol.MessageSizeLimit)
		if err != nil {
			return nil, err
		}
		if isPulse {
			continue
		}
		return protocol.Decode(payload)
	}
}

func awaitLoginSuccess(conn net.Conn) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := recv(conn, deadline.Sub(time.Now()))
		if err != nil {
			return fmt.Errorf("webtest: awaiting login reply: %w", err)
		}
		js, ok := msg.(*protocol.JoinServer)
		if !ok || js.Status == nil {
			continue // a roster announcement, not our own login reply
		}
		if *js.Status != protocol.JoinServerStatusSuccess {
			return fmt.Errorf("webtest: login rejected, status %d", *js.Status)
		}
		return nil
	}
	return fmt.Errorf("webtest: timed out waiting for login reply")
}

func awaitPong(conn net.Conn) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := recv(conn, deadline.Sub(time.Now()))
		if err != nil {
			return fmt.Errorf("webtest: awaiting pong: %w", err)
		}
		if _, ok := msg.(*protocol.Pong); ok {
			return nil
		}
	}
	return fmt.Errorf("webtest: timed out waiting for pong")
}
