package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli"

	"github.com/animus-labs/warden/internal/ledger"
)

func buildsCommand(ctx context.Context, stdout io.Writer, logger *slog.Logger) cli.Command {
	open := func(c *cli.Context) (*ledger.Store, error) {
		dsn := strings.TrimSpace(c.String("ledger"))
		if dsn == "" {
			return nil, usageError(errors.New("ledger DSN is required (--ledger or WARDEN_LEDGER_DSN)"))
		}
		s, err := ledger.Open(ctx, dsn, logger)
		if err != nil {
			return nil, failure(err)
		}
		return s, nil
	}

	return cli.Command{
		Name:  "builds",
		Usage: "Inspect recorded builds",
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "List recent builds, newest first",
				Flags: []cli.Flag{
					ledgerFlag,
					cli.IntFlag{Name: "limit, n", Value: 20, Usage: "Maximum number of builds"},
				},
				Action: func(c *cli.Context) error {
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()
					recs, err := s.ListBuilds(ctx, c.Int("limit"))
					if err != nil {
						return failure(err)
					}
					out := make([]any, 0, len(recs))
					for _, r := range recs {
						out = append(out, r.Report)
					}
					return writeJSON(stdout, out)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one build report",
				ArgsUsage: "<build-id>",
				Flags:     []cli.Flag{ledgerFlag},
				Action: func(c *cli.Context) error {
					id := strings.TrimSpace(c.Args().First())
					if id == "" {
						return usageError(errors.New("build id is required"))
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()
					rec, err := s.GetBuild(ctx, id)
					if err != nil {
						return failure(err)
					}
					return writeJSON(stdout, rec.Report)
				},
			},
		},
	}
}
