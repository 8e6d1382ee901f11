package db

import (
	"encoding/json"
	"time"
)

// Committed voyage statuses.
const (
	VoyageCommitted = "committed"
	VoyageRetracted = "retracted"
)

// CommittedVoyage represents a row in the committed_voyages table.
type CommittedVoyage struct {
	ID             string          `json:"id"`
	Family         string          `json:"family"`
	TransactionID  string          `json:"transaction_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Generation     int             `json:"generation"`
	Route          json.RawMessage `json:"route"`
	Status         string          `json:"status"`
	Revision       int             `json:"revision"`
	CommittedAt    time.Time       `json:"committed_at"`
	RetractedAt    *time.Time      `json:"retracted_at,omitempty"`
	Created        time.Time       `json:"created"`
	Modified       time.Time       `json:"modified"`
}

// ListVoyagesParams filters ListVoyages. Empty strings match everything.
type ListVoyagesParams struct {
	Family         string
	CounterpartyID string
	Status         string
	Page           int
	Limit          int
}
