// Package stress implements the server's internal load-test binary: the
// "counting" scenario from spec.md §8 testable property 2, where N clients
// pass a counting baton through the global chat room to prove ordering
// and fan-out hold under concurrency.
package stress

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/version"
)

// RunCounting drives the counting scenario against a running server:
// numTests clients connect with an identical fake version, each posts its
// own index as chat content on the general channel, and the baton passes
// client-to-client until every one of them has quit.
func RunCounting(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("counting", flag.ContinueOnError)
	addr := fs.String("server", "127.0.0.1", "address of the server to load-test")
	port := fs.Int("port", 28247, "port of the server to load-test")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("stress: counting requires <num-tests> [<fake-version>]")
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil || n < 1 {
		return fmt.Errorf("stress: invalid num-tests %q", rest[0])
	}

	fakeVersion := version.Current
	if len(rest) >= 2 {
		parsed, err := version.Parse(rest[1])
		if err != nil {
			return fmt.Errorf("stress: invalid fake-version %q: %w", rest[1], err)
		}
		fakeVersion = parsed
	}

	target := fmt.Sprintf("%s:%d", *addr, *port)
	slog.Info("stress: starting counting scenario", "clients", n, "target", target)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := runCountingClient(ctx, target, fakeVersion, index, n); err != nil {
				errs <- fmt.Errorf("stress: client %d: %w", index, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	slog.Info("stress: counting scenario completed", "clients", n)
	return nil
}

// runCountingClient plays one client's role in the baton-pass: client 0
// waits for n join_server announcements (its own plus every peer's) then
// posts "0"; every other client K waits to see chat content "K-1" before
// posting "K". Every client quits immediately after posting.
func runCountingClient(ctx context.Context, target string, v version.Version, index, n int) error {
	c, err := dial(ctx, target)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.handshake(v); err != nil {
		return err
	}
	token := uuid.NewString()
	if err := c.login(token); err != nil {
		return err
	}

	joinCount := 0
	want := strconv.Itoa(index - 1)
	deadline := time.Now().Add(30 * time.Second)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for the baton")
		}
		msg, err := c.recv(deadline.Sub(time.Now()))
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.JoinServer:
			if m.Status != nil {
				continue // a login reply, not a roster announcement
			}
			joinCount++
			if index == 0 && joinCount >= n {
				return c.postAndQuit(strconv.Itoa(index))
			}
		case *protocol.Chat:
			if index != 0 && m.Content == want {
				return c.postAndQuit(strconv.Itoa(index))
			}
		}
	}
}
