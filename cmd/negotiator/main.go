// Package main is the entrypoint for the route-negotiator (binary name "negotiator" in Docker).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/route-negotiator/internal/config"
	"github.com/morezero/route-negotiator/internal/server"
	"github.com/morezero/route-negotiator/pkg/commsutil"
	"github.com/morezero/route-negotiator/pkg/control"
	"github.com/morezero/route-negotiator/pkg/db"
)

const usage = `Usage: negotiator [command]
       negotiator serve                          Start the negotiator (COMMS, HTTP, one engine per family).
       negotiator migrate up                     Run database migrations.
       negotiator migrate down                   Roll back one migration (not supported; migrations are forward-only).
       negotiator migrate status                 Show migration status.
       negotiator ensure-db [name]               Create database if missing (default name: negotiator_test). Uses DATABASE_URL host/user.
       negotiator ctl <family> <method> [json]   Call the control API of a running negotiator.
       negotiator voyages [family] [txId]        List committed voyages, or show one transaction's voyage.

Commands:
  serve            (default) Start the route negotiator.
  migrate up       Run database migrations only.
  migrate down     Roll back last migration (no-op).
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. negotiator_test) on same host as DATABASE_URL; then run tests with that URL.
  ctl              Methods: initiate, reply, renegotiate, get, list, unhandled, purge, health.
                   Example: negotiator ctl strategic purge '{"olderThan":"72h"}'
  voyages          Read committed voyages straight from the database (newest first, 50 per call).

Environment: DATABASE_URL (required), COMMS_URL, SHORE_ID, NEGOTIATION_FAMILIES, MIGRATION_PATH, HTTP_PORT. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("negotiator migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("negotiator migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("negotiator migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("negotiator migrate down: %v", err)
			}
		default:
			log.Fatalf("negotiator migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "negotiator_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("negotiator ensure-db: %v", err)
		}
		return
	case "ctl":
		if err := runCtl(args[1:]); err != nil {
			log.Fatalf("negotiator ctl: %v", err)
		}
		return
	case "voyages":
		if err := runVoyages(args[1:]); err != nil {
			log.Fatalf("negotiator voyages: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("negotiator: %v", err)
	}
}

// withPool loads config, opens the database and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
	})
}

func runMigrateDown() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationDown(ctx, pool, os.Stdout)
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := targetDatabaseURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// targetDatabaseURL replaces the database name in base; the query (e.g. sslmode) is kept.
func targetDatabaseURL(base, dbName string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func parseVoyagesArgs(args []string) (db.ListVoyagesParams, string, error) {
	if len(args) > 2 {
		return db.ListVoyagesParams{}, "", fmt.Errorf("too many arguments: want [family] [txId]")
	}
	params := db.ListVoyagesParams{Limit: 50}
	if len(args) > 0 {
		params.Family = args[0]
	}
	txID := ""
	if len(args) > 1 {
		if params.Family == "" {
			return db.ListVoyagesParams{}, "", fmt.Errorf("a transaction id needs a family")
		}
		txID = args[1]
	}
	return params, txID, nil
}

func runVoyages(args []string) error {
	params, txID, err := parseVoyagesArgs(args)
	if err != nil {
		return err
	}
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		repo := db.NewRepository(pool)
		var result interface{}
		if txID != "" {
			v, err := repo.GetVoyage(ctx, params.Family, txID)
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("no voyage for %s/%s", params.Family, txID)
			}
			result = v
		} else {
			voyages, total, err := repo.ListVoyages(ctx, params)
			if err != nil {
				return err
			}
			result = map[string]interface{}{"voyages": voyages, "total": total}
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}

// ctlArgs is a parsed ctl invocation.
type ctlArgs struct {
	family string
	method string
	params json.RawMessage
}

func parseCtlArgs(args []string) (ctlArgs, error) {
	if len(args) < 2 {
		return ctlArgs{}, fmt.Errorf("require <family> <method> [json params]")
	}
	c := ctlArgs{family: args[0], method: args[1]}
	if len(args) > 2 && args[2] != "" {
		if !json.Valid([]byte(args[2])) {
			return ctlArgs{}, fmt.Errorf("params are not valid JSON: %s", args[2])
		}
		c.params = json.RawMessage(args[2])
	}
	return c, nil
}

func runCtl(args []string) error {
	c, err := parseCtlArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-ctl")
	if err != nil {
		return fmt.Errorf("connect COMMS: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	client := control.NewClient(nc, commsutil.BuildControlSubject(cfg.ShoreID, c.family))
	var params interface{}
	if c.params != nil {
		params = c.params
	}
	resp, err := client.Call(ctx, c.method, params)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !resp.Ok {
		return fmt.Errorf("%s failed: %s", c.method, resp.Error.Code)
	}
	return nil
}
