package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"carpool-relay/internal/client"
	"carpool-relay/internal/logging"
	"carpool-relay/internal/relay"

	"github.com/urfave/cli/v3"
)

var out = json.NewEncoder(os.Stdout)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "join ride rooms and print every event until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "ride", Aliases: []string{"r"}, Usage: "ride id to join (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, err := openSession(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer session.Disconnect()

			for _, kind := range []string{
				relay.EventNewMessage, relay.EventRideRequest, relay.EventRideRequestResponse,
				relay.EventRideUpdate, relay.EventError,
				client.EventDisconnect, client.EventReconnect,
			} {
				session.Subscribe(kind, func(env relay.Envelope) { out.Encode(env) })
			}
			for _, rideID := range cmd.StringSlice("ride") {
				if err := session.JoinRoom(rideID); err != nil {
					return err
				}
			}
			<-ctx.Done()
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "post a chat message to a ride and wait for the echo",
		ArgsUsage: "<body>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ride", Aliases: []string{"r"}, Required: true},
			&cli.StringFlag{Name: "name", Usage: "display name"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			body := cmd.Args().First()
			if body == "" {
				return errors.New("message body is required")
			}
			session, err := openSession(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer session.Disconnect()

			done := make(chan error, 1)
			session.OnNewMessage(func(msg relay.ChatMessage) {
				if msg.SenderID == session.UserID() && msg.Body == body {
					out.Encode(msg)
					trySend(done, nil)
				}
			})
			session.OnError(func(e relay.ErrorEvent) { trySend(done, eventError(e)) })

			rideID := cmd.String("ride")
			if err := session.JoinRoom(rideID); err != nil {
				return err
			}
			if err := session.SendMessage(rideID, cmd.String("name"), body, ""); err != nil {
				return err
			}
			return await(ctx, cmd.Duration("wait"), done, "no echo from relay")
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:  "request",
		Usage: "ask a ride owner for a seat and wait for the decision",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ride", Aliases: []string{"r"}, Required: true},
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.StringFlag{Name: "photo"},
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, err := openSession(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer session.Disconnect()

			done := make(chan error, 1)
			session.OnRideRequestResponse(func(resp relay.RideRequestResponse) {
				out.Encode(resp)
				trySend(done, nil)
			})
			session.OnError(func(e relay.ErrorEvent) { trySend(done, eventError(e)) })

			if err := session.RequestJoin(cmd.String("ride"), cmd.String("name"), cmd.String("photo"), cmd.String("message")); err != nil {
				return err
			}
			err = await(ctx, cmd.Duration("wait"), done, "")
			if err == nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintln(os.Stderr, "request sent, still pending")
				return nil
			}
			return err
		},
	}
}

func decideCommand() *cli.Command {
	return &cli.Command{
		Name:      "decide",
		Usage:     "accept (default) or reject a ride request you own",
		ArgsUsage: "<requestId>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "reject"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			requestID := cmd.Args().First()
			if requestID == "" {
				return errors.New("request id is required")
			}
			session, err := openSession(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer session.Disconnect()

			done := make(chan error, 1)
			session.OnError(func(e relay.ErrorEvent) { trySend(done, eventError(e)) })

			if cmd.Bool("reject") {
				err = session.Reject(requestID)
			} else {
				err = session.Accept(requestID)
			}
			if err != nil {
				return err
			}
			// Success is silent towards the owner; only a rejection comes back.
			err = await(ctx, cmd.Duration("wait"), done, "")
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}
}

func rideCommand() *cli.Command {
	return &cli.Command{
		Name:  "ride",
		Usage: "register a ride's owner and seat count",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ride", Aliases: []string{"r"}, Required: true},
			&cli.StringFlag{Name: "owner", Required: true},
			&cli.IntFlag{Name: "seats", Value: 3},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			body, err := json.Marshal(map[string]any{
				"ownerId":        cmd.String("owner"),
				"availableSeats": cmd.Int("seats"),
			})
			if err != nil {
				return err
			}
			return doHTTP(ctx, cmd, http.MethodPut, "/api/rides/"+url.PathEscape(cmd.String("ride")), bytes.NewReader(body))
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "print a ride's message log, or its requests with --requests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ride", Aliases: []string{"r"}, Required: true},
			&cli.BoolFlag{Name: "requests"},
			&cli.BoolFlag{Name: "all", Usage: "include decided requests"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := "/api/rides/" + url.PathEscape(cmd.String("ride")) + "/messages"
			if cmd.Bool("requests") {
				path = "/api/rides/" + url.PathEscape(cmd.String("ride")) + "/requests"
				if cmd.Bool("all") {
					path += "?status=all"
				}
			}
			return doHTTP(ctx, cmd, http.MethodGet, path, nil)
		},
	}
}

func openSession(ctx context.Context, cmd *cli.Command, reconnect bool) (*client.Session, error) {
	user := cmd.String("user")
	if user == "" {
		return nil, errors.New("--user is required")
	}
	session := client.New(client.Options{
		URL:               cmd.String("url"),
		Token:             cmd.String("token"),
		AutoReconnect:     reconnect,
		RejoinOnReconnect: reconnect,
		Logger:            logging.NewWithWriter(os.Stderr, cmd.String("log-level")),
	})
	if err := session.Connect(ctx, user); err != nil {
		return nil, err
	}
	return session, nil
}

func doHTTP(ctx context.Context, cmd *cli.Command, method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, cmd.String("api")+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := cmd.String("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if user := cmd.String("user"); user != "" {
		q := req.URL.Query()
		q.Set("userId", user)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func await(ctx context.Context, wait time.Duration, done <-chan error, timeoutMsg string) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		if timeoutMsg != "" {
			return errors.New(timeoutMsg)
		}
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func eventError(e relay.ErrorEvent) error {
	if e.Detail == "" {
		return fmt.Errorf("relay: %s", e.ReasonCode)
	}
	return fmt.Errorf("relay: %s: %s", e.ReasonCode, e.Detail)
}
