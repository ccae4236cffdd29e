package main

import (
	"context"
	"fmt"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/pagecraft/blockedit/edit"
	"github.com/pagecraft/blockedit/hub"
)

const Version = "0.1.0"

const DefaultPort = 8080

func main() {
	usage := fmt.Sprintf(
		`Block editor document service.

Serves one synchronized document to websocket clients. With an auth
secret set, clients must present a signed session token; use the token
command to mint one.

Usage:
    editctl serve [--port=<port>] [--auth_secret=<auth_secret>]
    editctl token --auth_secret=<auth_secret> [--client_id=<client_id>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: %d].
    --auth_secret=<auth_secret>    HS256 session secret.
    --client_id=<client_id>        Client id claim for the minted token.`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	if port == 0 {
		port = DefaultPort
	}

	var authSecret string
	if authSecretAny := opts["--auth_secret"]; authSecretAny != nil {
		authSecret = authSecretAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := hub.DefaultHubSettings()
	settings.AuthSecret = authSecret

	h := hub.NewHub(cancelCtx, settings)
	defer h.Close()

	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("serving on %s\n", addr)
	if err := h.Serve(addr); err != nil {
		panic(err)
	}
}

func token(opts docopt.Opts) {
	authSecret := opts["--auth_secret"].(string)

	clientId := edit.NewId()
	if clientIdAny := opts["--client_id"]; clientIdAny != nil {
		var err error
		clientId, err = edit.ParseId(clientIdAny.(string))
		if err != nil {
			panic(err)
		}
	}

	auth := hub.NewAuth(authSecret)
	signed, err := auth.Sign(clientId)
	if err != nil {
		panic(err)
	}

	fmt.Printf("client_id: %s\n", clientId)
	fmt.Printf("token: %s\n", signed)
}
