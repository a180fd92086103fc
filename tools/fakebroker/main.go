// Package main implements fakebroker — a deterministic, stateful protocol
// responder for integration and development testing of the client in this
// repository. It serves the websocket connection endpoint plus the HTTP
// auth and refresh side-channels, with in-memory channel history so
// missed-publication recovery can be exercised end to end.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/gorilla/mux"
	urfavecli "github.com/urfave/cli/v2"
)

type serverArgs struct {
	addr         string
	historyLimit int
	connTTL      int64
	logLevel     string
}

var args serverArgs

func main() {
	app := &urfavecli.App{
		Name:  "fakebroker",
		Usage: "in-memory pub/sub broker for client integration testing",
		Flags: []urfavecli.Flag{
			&urfavecli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8000",
				Destination: &args.addr,
			},
			&urfavecli.IntFlag{
				Name:        "history-limit",
				Usage:       "retained publications per channel",
				Value:       100,
				Destination: &args.historyLimit,
			},
			&urfavecli.Int64Flag{
				Name:        "conn-ttl",
				Usage:       "connection credential TTL in seconds (0 disables expiry)",
				Value:       0,
				Destination: &args.connTTL,
			},
			&urfavecli.StringFlag{
				Name:        "log-level",
				Usage:       "log level [debug info warn error]",
				Value:       "info",
				Destination: &args.logLevel,
			},
		},
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("fakebroker exited")
	}
}

func runServer(c *urfavecli.Context) error {
	log.SetHandler(cli.New(os.Stderr))
	level, err := log.ParseLevel(args.logLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", args.logLevel, err)
	}
	log.SetLevel(level)

	b := newBroker(args.historyLimit, args.connTTL)

	router := mux.NewRouter()
	router.HandleFunc("/connection/websocket", b.handleConnection)
	router.HandleFunc("/centrifuge/auth", b.handleAuth).Methods(http.MethodPost)
	router.HandleFunc("/centrifuge/refresh", b.handleRefreshEndpoint).Methods(http.MethodPost)

	log.WithFields(log.Fields{
		"module": "fakebroker", "addr": args.addr,
	}).Info("listening")
	return http.ListenAndServe(args.addr, router)
}
