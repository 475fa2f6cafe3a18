package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := rootApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootApp() *cli.App {
	return &cli.App{
		Name:  "newsalert",
		Usage: "Breaking news alerts for Telegram",
		Description: `Listens to the breaking-news feeds, announces each article once
per dedup window and delivers it to every chat that opted in with /alertson.

Flags can be set via environment variables, e.g.:

--config => NEWSALERT_CONFIG=/etc/newsalert/config.yaml`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.json",
				Usage:   "path to the JSON or YAML config file",
				EnvVars: []string{"NEWSALERT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			subscribersCmd(),
			pruneCmd(),
			ingestCmd(),
		},
		Action: func(ctx *cli.Context) error {
			return cli.ShowAppHelp(ctx)
		},
	}
}
