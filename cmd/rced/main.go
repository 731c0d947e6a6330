package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "rced"
	app.Usage = "cloud engine master daemon"
	app.Description = "rced places containers on the machines of the cluster " +
		"and brokers the connections between their interfaces."

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Aliases:   []string{"c"},
			Usage:     "path to the TOML configuration file",
			EnvVars:   []string{"RCE_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "one of debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "name of this machine in the cluster",
		},
		&cli.IntFlag{
			Name:  "gossip-port",
			Usage: "port of the gossip protocol",
		},
		&cli.StringSliceFlag{
			Name:  "join",
			Usage: "gossip address of a member of the cluster, enables gossip",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
