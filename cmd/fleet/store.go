package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fleet-tracker/internal/database"
	"fleet-tracker/internal/queue"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func openStore() (queue.Store, func(), error) {
	db, err := database.Open(appConfig.Agent.StorePath)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewStore(db), func() { db.Close() }, nil
}

func deadLettersCommand() *cli.Command {
	return &cli.Command{
		Name:  "deadletters",
		Usage: "inspect or retry items that exhausted their retries",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list dead-lettered items",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
				},
				Action: func(c *cli.Context) error {
					store, closeStore, err := openStore()
					if err != nil {
						return err
					}
					defer closeStore()

					items, err := store.DeadLetters(c.Context)
					if err != nil {
						return err
					}

					if c.Bool("json") {
						enc := json.NewEncoder(os.Stdout)
						enc.SetIndent("", "  ")
						return enc.Encode(items)
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tRETRIES\tDEAD-LETTERED\tLAST ERROR")
					for _, item := range items {
						fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
							item.ID, item.Type, item.Priority, item.RetryCount,
							item.DeadLetteredAt.Format(time.RFC3339), item.LastError)
					}
					return w.Flush()
				},
			},
			{
				Name:  "retry",
				Usage: "move every dead letter back to the queue with its retries reset",
				Action: func(c *cli.Context) error {
					store, closeStore, err := openStore()
					if err != nil {
						return err
					}
					defer closeStore()

					restored, err := store.RestoreDeadLetters(c.Context)
					if err != nil {
						return err
					}
					log.Info().Int("count", len(restored)).Msg("[DLQ] Dead letters requeued; the agent delivers them on its next pass")
					return nil
				},
			},
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show queued and dead-lettered counts",
		Action: func(c *cli.Context) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			queued, dead, err := store.Counts(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("queued: %d\ndead-lettered: %d\n", queued, dead)
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "delete and recreate the local store, discarding queued items and dead letters",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return cli.Exit("refusing to reset without --yes", 1)
			}
			db, err := database.Open(appConfig.Agent.StorePath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Reset(); err != nil {
				return err
			}
			log.Info().Str("path", db.Path()).Msg("[STORE] Local store recreated")
			return nil
		},
	}
}
