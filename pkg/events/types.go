// Package events republishes negotiation notifications so observers outside
// the process can follow unhandled counts and failed commits.
package events

// UnhandledEvent is emitted whenever the set of negotiations awaiting local
// action changes.
type UnhandledEvent struct {
	Family         string   `json:"family"`
	Count          int      `json:"count"`
	TransactionIDs []string `json:"transactionIds"`
	Version        uint64   `json:"version"`
	Timestamp      string   `json:"timestamp"`
}

// CommitFailedEvent is emitted when an agreed voyage could not be committed.
type CommitFailedEvent struct {
	Family         string `json:"family"`
	TransactionID  string `json:"transactionId"`
	CounterpartyID string `json:"counterpartyId"`
	Generation     int    `json:"generation"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error"`
	Timestamp      string `json:"timestamp"`
}
