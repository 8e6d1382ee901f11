package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

var safeDBName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// nativeUUIDVersion is the first server_version_num with a built-in
// gen_random_uuid; older servers need pgcrypto for committed_voyages.id.
const nativeUUIDVersion = 130000

// ensureTarget is the database a URL points at and the maintenance URL used
// to create it.
type ensureTarget struct {
	name     string
	url      string
	adminURL string
}

func parseEnsureTarget(databaseURL string) (ensureTarget, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ensureTarget{}, fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if name == "" {
		return ensureTarget{}, fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !safeDBName.MatchString(name) {
		return ensureTarget{}, fmt.Errorf("%s - database name %q must be a plain identifier", ensureLogPrefix, name)
	}
	admin := *u
	admin.Path = "/postgres"
	return ensureTarget{name: name, url: databaseURL, adminURL: admin.String()}, nil
}

// neededExtensions returns the extensions the committed_voyages schema needs
// on a server of the given server_version_num.
func neededExtensions(serverVersion int) []string {
	if serverVersion > 0 && serverVersion < nativeUUIDVersion {
		return []string{"pgcrypto"}
	}
	return nil
}

// EnsureDatabase creates the negotiator database named in databaseURL when
// it is missing and prepares what the migrations rely on, so `negotiator
// ensure-db` followed by `migrate up` works on a fresh Postgres.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	target, err := parseEnsureTarget(databaseURL)
	if err != nil {
		return err
	}

	created, err := createIfMissing(ctx, target)
	if err != nil {
		return err
	}
	if created {
		slog.Info(fmt.Sprintf("%s - Created database %q", ensureLogPrefix, target.name))
	}

	conn, err := pgx.Connect(ctx, target.url)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %q: %w", ensureLogPrefix, target.name, err)
	}
	defer conn.Close(ctx)

	var version int
	if err := conn.QueryRow(ctx, `SELECT current_setting('server_version_num')::int`).Scan(&version); err != nil {
		return fmt.Errorf("%s - read server version: %w", ensureLogPrefix, err)
	}
	for _, ext := range neededExtensions(version) {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+quoteIdent(ext)); err != nil {
			return fmt.Errorf("%s - CREATE EXTENSION %s: %w", ensureLogPrefix, ext, err)
		}
		slog.Info(fmt.Sprintf("%s - Enabled %s on %q (server %d)", ensureLogPrefix, ext, target.name, version))
	}
	return nil
}

// createIfMissing connects to the maintenance database over the simple
// protocol, since CREATE DATABASE cannot run inside a prepared statement.
func createIfMissing(ctx context.Context, target ensureTarget) (bool, error) {
	cfg, err := pgx.ParseConfig(target.adminURL)
	if err != nil {
		return false, fmt.Errorf("%s - failed to parse postgres URL: %w", ensureLogPrefix, err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	admin, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return false, fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	defer admin.Close(ctx)

	var exists bool
	if err := admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, target.name).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		return false, nil
	}
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+quoteIdent(target.name)); err != nil {
		return false, fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return true, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
