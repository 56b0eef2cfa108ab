// Package portal binds this process into the identity service's server
// directory (registration + periodic heartbeat), or falls back to a dev
// binding when no login server is configured.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lattice-games/server/internal/identity"
)

// heartbeatInterval is how often Run confirms this server is still online.
const heartbeatInterval = 60 * time.Second

// Binding is the result of registering with the identity service. A dev
// binding (no login server configured) has client == nil and simply keeps
// the statically-configured port.
type Binding struct {
	client *identity.Client
	port   int
}

// Bind registers with the identity service and returns the port it
// allotted, or — when loginServerURL is empty — a dev binding that keeps
// configuredPort untouched.
func Bind(ctx context.Context, loginServerURL string, configuredPort int) (*Binding, error) {
	if loginServerURL == "" {
		return &Binding{port: configuredPort}, nil
	}

	client := identity.New(loginServerURL)
	port, err := client.RegisterServer(ctx)
	if err != nil {
		return nil, fmt.Errorf("portal: registering server: %w", err)
	}

	return &Binding{client: client, port: port}, nil
}

// Port is the port this server should actually bind to.
func (b *Binding) Port() int { return b.port }

// Confirm marks this server online with the identity service. A no-op for
// a dev binding.
func (b *Binding) Confirm(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Heartbeat(ctx, b.port); err != nil {
		return fmt.Errorf("portal: confirming: %w", err)
	}
	return nil
}

// Unbind deregisters this server from the identity service. A no-op for a
// dev binding.
func (b *Binding) Unbind(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Deregister(ctx, b.port); err != nil {
		return fmt.Errorf("portal: deregistering: %w", err)
	}
	return nil
}

// Run confirms the binding periodically until ctx is done, logging (but not
// aborting on) transient failures — a missed heartbeat is recoverable, an
// actor panic is not.
func (b *Binding) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Confirm(ctx); err != nil {
				slog.Warn("portal: heartbeat failed", "error", err)
			}
		}
	}
}
