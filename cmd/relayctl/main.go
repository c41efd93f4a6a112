package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carpool-relay/internal/logging"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("relayctl failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "relayctl",
		Usage: "talk to a ride relay from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "relay websocket endpoint",
				Value:   "ws://localhost:3001/ws",
				Sources: cli.EnvVars("RELAY_URL"),
			},
			&cli.StringFlag{
				Name:    "api",
				Usage:   "relay HTTP base URL",
				Value:   "http://localhost:3001",
				Sources: cli.EnvVars("RELAY_API"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token for relays that verify identity",
				Sources: cli.EnvVars("RELAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "user id to connect as",
				Sources: cli.EnvVars("RELAY_USER"),
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "how long one-shot commands wait for the relay's answer",
				Value: 5 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: logging.LevelWarn,
			},
		},
		Commands: []*cli.Command{
			listenCommand(),
			sendCommand(),
			requestCommand(),
			decideCommand(),
			rideCommand(),
			historyCommand(),
		},
	}
}
