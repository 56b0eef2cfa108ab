// Command server is the process entry point: it loads settings-server.json
// and deploy.yaml, wires logging/log rotation, registers with the identity
// service's portal (or runs unregistered in dev), and runs the daemon until
// a signal asks it to stop (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lattice-games/server/internal/config"
	"github.com/lattice-games/server/internal/engine"
	"github.com/lattice-games/server/internal/game"
	"github.com/lattice-games/server/internal/identity"
	"github.com/lattice-games/server/internal/keycode"
	"github.com/lattice-games/server/internal/killer"
	"github.com/lattice-games/server/internal/logging"
	"github.com/lattice-games/server/internal/logrotate"
	"github.com/lattice-games/server/internal/portal"
	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/server"
	"github.com/lattice-games/server/internal/stress"
	"github.com/lattice-games/server/internal/webhook"
	"github.com/lattice-games/server/internal/webtest"
)

// closeGrace is the spec §4.6 window between State::Closed and process
// exit, giving already-notified clients a chance to disconnect cleanly.
const closeGrace = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load() // optional; absence is not an error

	if len(args) > 0 {
		switch args[0] {
		case "counting":
			return stress.RunCounting(context.Background(), args[1:])
		case "webtest":
			return webtest.Run(context.Background(), args[1:])
		}
	}
	return runServer(args)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	logname := fs.String("logname", "", "override the configured log file name")
	loglevel := fs.String("loglevel", "", "override the configured log level")
	bindAddr := fs.String("server", "", "override the configured bind address")
	port := fs.Int("port", 0, "override the configured port (0 = use settings)")
	settingsPath := fs.String("settings", "settings-server.json", "path to settings-server.json")
	deployPath := fs.String("deploy", "deploy.yaml", "path to deploy.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := config.Load(*settingsPath)
	if err != nil {
		return err
	}
	settings.ApplyEnvOverlay(os.Getenv)
	if *logname != "" {
		settings.LogName = *logname
	}
	if *loglevel != "" {
		settings.LogLevel = *loglevel
	}
	if *bindAddr != "" {
		settings.Server = *bindAddr
	}
	if *port != 0 {
		settings.Port = *port
	}

	deploy, err := config.LoadDeploy(*deployPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	reopen, closeLog, err := logging.Setup(fmt.Sprintf("logs/%s.info.log", settings.LogName), logging.ParseLevel(settings.LogLevel))
	if err != nil {
		return err
	}
	defer closeLog()

	rotate, err := logrotate.New("logs", settings.LogName)
	if err != nil {
		return fmt.Errorf("setting up log rotation: %w", err)
	}
	defer rotate.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// killer.Run (started by server.Server.Run below) turns SIGINT/SIGTERM
	// into the two-stage Closing/Closed state; this watcher is the "close
	// task" of spec.md §4.6, holding a 5 s grace after Closed before
	// actually tearing the process down.
	k := killer.New()
	go func() {
		sub := k.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case state := <-sub:
				if state == killer.StateClosed {
					time.Sleep(closeGrace)
					cancel()
					return
				}
			}
		}
	}()

	rotateDone := make(chan struct{})
	go func() {
		logrotate.WatchSIGHUP(rotateDone, fmt.Sprintf("logs/%s.info.log", settings.LogName), reopen)
	}()
	defer close(rotateDone)

	var ident *identity.Client
	if settings.LoginServer != "" {
		ident = identity.New(settings.LoginServer)
	}

	binding, err := portal.Bind(ctx, settings.LoginServer, settings.Port)
	if err != nil {
		return fmt.Errorf("binding to portal: %w", err)
	}
	if err := binding.Confirm(ctx); err != nil {
		slog.Warn("server: failed to confirm portal binding", "error", err)
	}
	defer func() {
		if err := binding.Unbind(context.Background()); err != nil {
			slog.Warn("server: failed to unbind from portal", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", settings.Server, binding.Port()))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	slog.Info("server: listening", "addr", ln.Addr().String())

	cfg := server.Config{
		ClientKeySeed: deploy.ClientKeySeed,
		Automaton:     game.AutomatonFactory(func(colors []engine.Color) engine.Automaton { return engine.NewReference(colors) }),
		Lanes:         deploy.WorkerPoolLanes,
	}
	if _, err := os.Stat("maps"); err == nil {
		cfg.MapsDir = "maps"
	}
	if settings.DiscordURL != "" {
		cfg.Discord = webhook.NewDiscord(settings.DiscordURL)
	}
	if settings.SlackURL != "" {
		cfg.Slack = webhook.NewSlack(settings.SlackURL, settings.SlackName, settings.SlackName)
	}
	if settings.PatchEnabled {
		cfg.Patch = &protocol.Patch{Asset: settings.PatchAsset, Version: settings.PatchVersion, URL: settings.PatchURL}
	}

	s := server.New(cfg, ident, k, binding, keycode.NewTicker(deploy.LobbyKeySeed))

	slog.Info("server: starting", "logname", settings.LogName, "loglevel", settings.LogLevel)
	return s.Run(ctx, ln)
}
