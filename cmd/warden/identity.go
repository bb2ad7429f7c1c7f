package main

import (
	"io"

	"github.com/urfave/cli"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/steward"
)

func identityCommand(stdout io.Writer) cli.Command {
	return cli.Command{
		Name:  "identity",
		Usage: "Print the runtime identity as JSON",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Usage: "Read the identity from a build configuration instead of WARDEN_* variables",
			},
		},
		Action: func(c *cli.Context) error {
			var (
				id  steward.Identity
				err error
			)
			if p := c.String("config"); p != "" {
				var cfg build.Config
				cfg, err = build.LoadConfig(p)
				id = cfg.Identity
			} else {
				id, err = steward.IdentityFromEnv()
			}
			if err != nil {
				return usageError(err)
			}
			return writeJSON(stdout, id)
		},
	}
}
