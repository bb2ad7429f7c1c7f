package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/ledger"
	"github.com/animus-labs/warden/internal/platform/objectstore"
	"github.com/animus-labs/warden/internal/publish"
	"github.com/animus-labs/warden/internal/resolver"
)

func buildCommand(ctx context.Context, stdout io.Writer, logger *slog.Logger) cli.Command {
	return cli.Command{
		Name:  "build",
		Usage: "Resolve packages, promote artifacts and write a runtime root",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "config, c",
				Value:  "warden.yaml",
				Usage:  "Build configuration file",
				EnvVar: "WARDEN_CONFIG",
			},
			ledgerFlag,
		},
		Action: func(c *cli.Context) error {
			cfg, err := build.LoadConfig(c.String("config"))
			if err != nil {
				return usageError(err)
			}

			var (
				store objectstore.Store
				s3cfg objectstore.Config
			)
			if cfg.Index.Kind == build.IndexKindS3 || cfg.Publish {
				if store, s3cfg, err = openObjectStore(ctx, cfg.Index.Kind == build.IndexKindS3, cfg.Publish); err != nil {
					return err
				}
			}

			var index resolver.Index
			switch cfg.Index.Kind {
			case build.IndexKindS3:
				index, err = resolver.NewObjectIndex(store, s3cfg.BucketIndex, cfg.Index.Prefix)
			default:
				index, err = resolver.NewDirIndex(cfg.Index.Path)
			}
			if err != nil {
				return usageError(fmt.Errorf("package index: %w", err))
			}

			var opts []build.Option
			if dsn := strings.TrimSpace(c.String("ledger")); dsn != "" {
				led, err := ledger.Open(ctx, dsn, logger)
				if err != nil {
					return failure(err)
				}
				defer led.Close()
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err = led.Ping(pingCtx)
				cancel()
				if err != nil {
					return failure(fmt.Errorf("ledger unavailable: %w", err))
				}
				opts = append(opts, build.WithRecorder(led))
			}
			if cfg.Publish {
				pub, err := publish.New(store, s3cfg.BucketArtifacts, logger)
				if err != nil {
					return usageError(err)
				}
				opts = append(opts, build.WithPublisher(pub))
			}

			pipeline, err := build.NewPipeline(cfg, index, logger, opts...)
			if err != nil {
				return usageError(err)
			}
			report, runErr := pipeline.Run(ctx)
			if err := writeJSON(stdout, report); err != nil {
				return failure(err)
			}
			if runErr != nil {
				return failure(runErr)
			}
			return nil
		},
	}
}

var ledgerFlag = cli.StringFlag{
	Name:   "ledger",
	Usage:  "Build ledger DSN: postgres://... or sqlite:<path>",
	EnvVar: "WARDEN_LEDGER_DSN",
}

// openObjectStore connects to S3-compatible storage. The artifacts bucket is
// created when publishing; the index bucket must already exist.
func openObjectStore(ctx context.Context, indexing, publishing bool) (objectstore.Store, objectstore.Config, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, objectstore.Config{}, usageError(fmt.Errorf("object store config: %w", err))
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, cfg, usageError(err)
	}
	if indexing {
		if err := objectstore.CheckIndexBucket(ctx, client, cfg); err != nil {
			return nil, cfg, failure(err)
		}
	}
	if publishing {
		if err := objectstore.EnsureArtifactsBucket(ctx, client, cfg); err != nil {
			return nil, cfg, failure(err)
		}
	}
	store, err := objectstore.NewMinioStore(client)
	if err != nil {
		return nil, cfg, failure(err)
	}
	return store, cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
