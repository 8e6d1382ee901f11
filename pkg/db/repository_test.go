package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

const repoTestPrefix = "db:repository_test"

type execCall struct {
	sql  string
	args []interface{}
}

// fakeDB records Exec calls; Query and QueryRow are not used by these tests.
type fakeDB struct {
	execs []execCall
	tag   string
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return nil
}

func commitRequest() negotiation.CommitRequest {
	return negotiation.CommitRequest{
		Family:         "strategic",
		CounterpartyID: "V-1",
		TransactionID:  "T1",
		Generation:     2,
		Route:          json.RawMessage(`{"name":"GBG-RTM"}`),
	}
}

func TestCommitVoyage_Upserts(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	repo := NewRepository(db)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return at }

	if err := repo.CommitVoyage(context.Background(), commitRequest()); err != nil {
		t.Fatalf("%s - CommitVoyage failed: %v", repoTestPrefix, err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("%s - expected 1 exec, got %d", repoTestPrefix, len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (family, transaction_id) DO UPDATE") {
		t.Errorf("%s - commit must upsert on (family, transaction_id)", repoTestPrefix)
	}
	if !strings.Contains(call.sql, "retracted_at = NULL") {
		t.Errorf("%s - recommit must clear retracted_at", repoTestPrefix)
	}
	if call.args[0] != "strategic" || call.args[1] != "T1" || call.args[2] != "V-1" || call.args[3] != 2 {
		t.Errorf("%s - unexpected args %v", repoTestPrefix, call.args[:4])
	}
	if string(call.args[4].([]byte)) != `{"name":"GBG-RTM"}` {
		t.Errorf("%s - route arg = %s", repoTestPrefix, call.args[4])
	}
	if call.args[5] != VoyageCommitted || call.args[6] != at {
		t.Errorf("%s - unexpected status/time args %v", repoTestPrefix, call.args[5:])
	}
}

func TestCommitVoyage_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*negotiation.CommitRequest)
	}{
		{"missing family", func(r *negotiation.CommitRequest) { r.Family = "" }},
		{"missing transaction", func(r *negotiation.CommitRequest) { r.TransactionID = "" }},
		{"missing counterparty", func(r *negotiation.CommitRequest) { r.CounterpartyID = "" }},
		{"missing route", func(r *negotiation.CommitRequest) { r.Route = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{}
			req := commitRequest()
			tt.mutate(&req)
			if err := NewRepository(db).CommitVoyage(context.Background(), req); err == nil {
				t.Errorf("%s - expected validation error", repoTestPrefix)
			}
			if len(db.execs) != 0 {
				t.Errorf("%s - invalid request must not reach the database", repoTestPrefix)
			}
		})
	}
}

func TestCommitVoyage_WrapsDatabaseError(t *testing.T) {
	cause := errors.New("connection reset")
	db := &fakeDB{err: cause}
	err := NewRepository(db).CommitVoyage(context.Background(), commitRequest())
	if !errors.Is(err, cause) {
		t.Errorf("%s - expected wrapped cause, got %v", repoTestPrefix, err)
	}
}

func TestRetractVoyage_MissingRowIsNotAnError(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 0"}
	if err := NewRepository(db).RetractVoyage(context.Background(), "strategic", "T404"); err != nil {
		t.Errorf("%s - RetractVoyage on missing row returned %v", repoTestPrefix, err)
	}
	call := db.execs[0]
	if call.args[2] != VoyageRetracted || call.args[4] != VoyageCommitted {
		t.Errorf("%s - retract must move committed rows to retracted, args %v", repoTestPrefix, call.args)
	}
}

func TestListFilter(t *testing.T) {
	tests := []struct {
		name      string
		params    ListVoyagesParams
		wantWhere string
		wantArgs  int
	}{
		{"no filters", ListVoyagesParams{}, " WHERE 1=1", 0},
		{"all statuses", ListVoyagesParams{Status: "all"}, " WHERE 1=1", 0},
		{
			"family and status",
			ListVoyagesParams{Family: "tactical", Status: VoyageCommitted},
			" WHERE 1=1 AND family = $1 AND status = $2",
			2,
		},
		{
			"counterparty only",
			ListVoyagesParams{CounterpartyID: "V-1"},
			" WHERE 1=1 AND counterparty_id = $1",
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := listFilter(tt.params)
			if where != tt.wantWhere {
				t.Errorf("%s - where = %q, want %q", repoTestPrefix, where, tt.wantWhere)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("%s - %d args, want %d", repoTestPrefix, len(args), tt.wantArgs)
			}
		})
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		page, limit         int
		wantPage, wantLimit int
	}{
		{0, 0, 1, 20},
		{3, 50, 3, 50},
		{-1, 10000, 1, 500},
	}
	for _, tt := range tests {
		page, limit := normalizePage(tt.page, tt.limit)
		if page != tt.wantPage || limit != tt.wantLimit {
			t.Errorf("%s - normalizePage(%d, %d) = (%d, %d), want (%d, %d)",
				repoTestPrefix, tt.page, tt.limit, page, limit, tt.wantPage, tt.wantLimit)
		}
	}
}
