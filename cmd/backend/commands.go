package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"smartfarm-notifier/internal/app"
	"smartfarm-notifier/internal/db"
	"smartfarm-notifier/internal/pkg/jwt"
	"smartfarm-notifier/internal/pkg/session"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the REST API and push gateway",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := app.NewServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}

func migrateCommand() *cli.Command {
	run := func(apply bool) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, sqlDB, err := app.OpenDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer sqlDB.Close()

			if apply {
				return db.Migrate(ctx, sqlDB, logger)
			}
			return db.MigrationStatus(ctx, sqlDB, logger)
		}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Commands: []*cli.Command{
			{Name: "up", Usage: "Apply pending migrations", Action: run(true)},
			{Name: "status", Usage: "Show applied and pending migrations", Action: run(false)},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue and revoke signed tokens",
		Commands: []*cli.Command{
			tokenIssueCommand(),
			tokenRevokeCommand(),
		},
	}
}

func tokenIssueCommand() *cli.Command {
	var (
		userID string
		roles  []string
		ttl    time.Duration
	)
	return &cli.Command{
		Name:      "issue",
		Usage:     "Mint a token for an agent or an ingest client",
		UsageText: "smartfarm-backend token issue --user farmer-1 [--role ingest] [--ttl 720h]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Usage:       "user id the token is issued to",
				Required:    true,
				Destination: &userID,
			},
			&cli.StringSliceFlag{
				Name:        "role",
				Usage:       "role to grant (repeatable)",
				Destination: &roles,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime",
				Value:       30 * 24 * time.Hour,
				Destination: &ttl,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gen, err := jwt.NewGenerator([]byte(cfg.JWTSecret), cfg.JWTIssuer, ttl)
			if err != nil {
				return err
			}
			token, jti, err := gen.Generate(userID, roles)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintf(os.Stderr, "jti: %s\n", jti)
			fmt.Fprintln(os.Stdout, token)
			return nil
		},
	}
}

func tokenRevokeCommand() *cli.Command {
	var (
		jti string
		ttl time.Duration
	)
	return &cli.Command{
		Name:      "revoke",
		Usage:     "Put a token id on the revocation list",
		UsageText: "smartfarm-backend token revoke --jti 01J... [--ttl 720h]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "jti",
				Usage:       "id of the token to revoke",
				Required:    true,
				Destination: &jti,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "how long to keep the entry; use the token's remaining lifetime",
				Value:       30 * 24 * time.Hour,
				Destination: &ttl,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.RedisEnabled {
				return fmt.Errorf("revocation needs redis; set REDIS_ENABLED=true")
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			rdb, err := db.NewRedis(db.RedisConfig{
				ClusterMode: cfg.RedisCluster,
				Addresses:   cfg.RedisAddrs,
				Password:    cfg.RedisPassword,
				DB:          cfg.RedisDB,
				PoolSize:    1,
			})
			if err != nil {
				return err
			}
			defer rdb.Close()

			if err := session.NewRevocations(rdb).Revoke(ctx, jti, ttl); err != nil {
				return err
			}
			logger.Info("token revoked", zap.String("jti", jti), zap.Duration("ttl", ttl))
			return nil
		},
	}
}
