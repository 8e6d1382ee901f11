package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

const repoLogPrefix = "db:repository"

// DBTX is the subset of pgxpool.Pool the repository uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository is the voyage registry backed by Postgres.
type Repository struct {
	db  DBTX
	now func() time.Time
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ negotiation.VoyageRegistry = (*Repository)(nil)

const voyageColumns = `id, family, transaction_id, counterparty_id, generation, route, status,
	revision, committed_at, retracted_at, created, modified`

// CommitVoyage stores an agreed route. Committing the same transaction
// again replaces the route and reactivates a retracted row.
func (r *Repository) CommitVoyage(ctx context.Context, req negotiation.CommitRequest) error {
	if err := validateCommit(req); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - CommitVoyage family=%s tx=%s generation=%d", repoLogPrefix, req.Family, req.TransactionID, req.Generation))

	now := r.now()
	_, err := r.db.Exec(ctx,
		`INSERT INTO committed_voyages
		   (family, transaction_id, counterparty_id, generation, route, status, committed_at, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
		 ON CONFLICT (family, transaction_id) DO UPDATE SET
		   counterparty_id = EXCLUDED.counterparty_id,
		   generation = EXCLUDED.generation,
		   route = EXCLUDED.route,
		   status = EXCLUDED.status,
		   committed_at = EXCLUDED.committed_at,
		   retracted_at = NULL,
		   revision = committed_voyages.revision + 1,
		   modified = EXCLUDED.modified`,
		req.Family, req.TransactionID, req.CounterpartyID, req.Generation, []byte(req.Route), VoyageCommitted, now)
	if err != nil {
		return fmt.Errorf("%s - CommitVoyage %s failed: %w", repoLogPrefix, req.TransactionID, err)
	}
	return nil
}

func validateCommit(req negotiation.CommitRequest) error {
	switch {
	case req.Family == "":
		return fmt.Errorf("%s - family is required", repoLogPrefix)
	case req.TransactionID == "":
		return fmt.Errorf("%s - transactionId is required", repoLogPrefix)
	case req.CounterpartyID == "":
		return fmt.Errorf("%s - counterpartyId is required", repoLogPrefix)
	case len(req.Route) == 0:
		return fmt.Errorf("%s - route is required", repoLogPrefix)
	}
	return nil
}

// RetractVoyage marks a committed voyage retracted. A missing or already
// retracted row is not an error.
func (r *Repository) RetractVoyage(ctx context.Context, family, transactionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE committed_voyages
		 SET status = $3, retracted_at = $4, revision = revision + 1, modified = $4
		 WHERE family = $1 AND transaction_id = $2 AND status = $5`,
		family, transactionID, VoyageRetracted, r.now(), VoyageCommitted)
	if err != nil {
		return fmt.Errorf("%s - RetractVoyage %s failed: %w", repoLogPrefix, transactionID, err)
	}
	slog.Info(fmt.Sprintf("%s - RetractVoyage family=%s tx=%s rows=%d", repoLogPrefix, family, transactionID, tag.RowsAffected()))
	return nil
}

// GetVoyage returns the voyage of a transaction, or nil if there is none.
func (r *Repository) GetVoyage(ctx context.Context, family, transactionID string) (*CommittedVoyage, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+voyageColumns+`
		 FROM committed_voyages
		 WHERE family = $1 AND transaction_id = $2`, family, transactionID)

	v, err := scanVoyage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - GetVoyage failed: %w", repoLogPrefix, err)
	}
	return v, nil
}

// ListVoyages lists voyages newest first and returns the total match count.
func (r *Repository) ListVoyages(ctx context.Context, params ListVoyagesParams) ([]CommittedVoyage, int, error) {
	page, limit := normalizePage(params.Page, params.Limit)
	where, args := listFilter(params)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)::int FROM committed_voyages`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s - count voyages failed: %w", repoLogPrefix, err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM committed_voyages%s ORDER BY modified DESC, transaction_id LIMIT $%d OFFSET $%d`,
		voyageColumns, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%s - ListVoyages failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []CommittedVoyage
	for rows.Next() {
		v, err := scanVoyage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%s - scan voyage failed: %w", repoLogPrefix, err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s - ListVoyages rows: %w", repoLogPrefix, err)
	}
	return out, total, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

func listFilter(params ListVoyagesParams) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where += fmt.Sprintf(` AND %s = $%d`, column, len(args))
	}
	add("family", params.Family)
	add("counterparty_id", params.CounterpartyID)
	if params.Status != "all" {
		add("status", params.Status)
	}
	return where, args
}

func scanVoyage(row pgx.Row) (*CommittedVoyage, error) {
	var v CommittedVoyage
	err := row.Scan(
		&v.ID, &v.Family, &v.TransactionID, &v.CounterpartyID, &v.Generation, &v.Route, &v.Status,
		&v.Revision, &v.CommittedAt, &v.RetractedAt, &v.Created, &v.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
