package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "cotaichat",
		Usage:   "Terminal client for CotAi messaging",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"COTAI_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
			&cli.StringFlag{
				Name:  "debug-addr",
				Usage: "Serve expvar metrics on `ADDR`",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			conversationsCommand(),
			searchCommand(),
			chatCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
