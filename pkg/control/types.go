// Package control is the operator API of a negotiation engine: JSON
// request/reply over COMMS, one subject per message family.
package control

import (
	"encoding/json"
	"time"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

// Request is the JSON envelope for incoming control requests.
type Request struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params,omitempty"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for control responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// Methods served by the control API.
const (
	MethodInitiate    = "initiate"
	MethodReply       = "reply"
	MethodRenegotiate = "renegotiate"
	MethodGet         = "get"
	MethodList        = "list"
	MethodUnhandled   = "unhandled"
	MethodPurge       = "purge"
	MethodHealth      = "health"
)

// Error codes produced by the control layer itself.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
)

// InitiateParams opens a negotiation with a counterparty.
type InitiateParams[R any] struct {
	CounterpartyID string `json:"counterpartyId"`
	Route          R      `json:"route"`
	Text           string `json:"text,omitempty"`
}

// ReplyParams answers the latest message of a negotiation.
type ReplyParams[R any] struct {
	TransactionID string             `json:"transactionId"`
	Status        negotiation.Status `json:"status"`
	Route         *R                 `json:"route,omitempty"`
	Text          string             `json:"text,omitempty"`
}

// RenegotiateParams reopens a concluded negotiation.
type RenegotiateParams[R any] struct {
	TransactionID string `json:"transactionId"`
	Route         R      `json:"route"`
	Text          string `json:"text,omitempty"`
}

// GetParams selects one negotiation.
type GetParams struct {
	TransactionID string `json:"transactionId"`
}

// ListParams filters the negotiation list. Zero values match everything.
type ListParams struct {
	Status         negotiation.Status `json:"status,omitempty"`
	CounterpartyID string             `json:"counterpartyId,omitempty"`
	UnhandledOnly  bool               `json:"unhandledOnly,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

// PurgeParams removes concluded negotiations idle for longer than OlderThan,
// given as a Go duration string such as "72h".
type PurgeParams struct {
	OlderThan string `json:"olderThan"`
}

// Summary is the list form of a negotiation.
type Summary struct {
	TransactionID  string             `json:"transactionId"`
	CounterpartyID string             `json:"counterpartyId"`
	Origin         negotiation.Origin `json:"origin"`
	Status         negotiation.Status `json:"status"`
	Handled        bool               `json:"handled"`
	Completed      bool               `json:"completed"`
	Generation     int                `json:"generation"`
	Proposals      int                `json:"proposals"`
	Replies        int                `json:"replies"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// ListOutput is the result of list.
type ListOutput struct {
	Family       string    `json:"family"`
	Total        int       `json:"total"`
	Negotiations []Summary `json:"negotiations"`
}

// UnhandledOutput is the result of unhandled.
type UnhandledOutput struct {
	Family         string   `json:"family"`
	Count          int      `json:"count"`
	TransactionIDs []string `json:"transactionIds"`
}

// PurgeOutput is the result of purge.
type PurgeOutput struct {
	Removed []string `json:"removed"`
}

// HealthOutput is the result of health.
type HealthOutput struct {
	Status         string          `json:"status"`
	Family         string          `json:"family"`
	Negotiations   int             `json:"negotiations"`
	Unhandled      int             `json:"unhandled"`
	PendingCommits int             `json:"pendingCommits"`
	Checks         map[string]bool `json:"checks,omitempty"`
	Timestamp      string          `json:"timestamp"`
}
