package main

import (
	"os"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

// loaded in Before so every subcommand shares one configuration
var appConfig *config.Config

func main() {
	app := &cli.App{
		Name:        "fleet",
		Usage:       "fleet location relay and tracking agent",
		Description: "Single binary for the broadcast relay and the offline-resilient tracking agent",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{config.ConfigPathEnvVar},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},

		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.Bool("debug") {
				cfg.Log.Level = "debug"
			}
			logging.Setup(cfg.Log)
			appConfig = cfg
			return nil
		},

		Commands: []*cli.Command{
			relayCommand(),
			agentCommand(),
			deadLettersCommand(),
			statsCommand(),
			resetCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
