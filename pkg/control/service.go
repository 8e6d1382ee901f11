package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

const logPrefix = "control:service"

// Negotiator is the engine surface the control API drives.
type Negotiator[R any] interface {
	Family() string
	InitiateProposal(ctx context.Context, counterpartyID string, route R, text string) (negotiation.Result, error)
	SendReply(ctx context.Context, txID string, status negotiation.Status, route *R, text string) (negotiation.Result, error)
	Renegotiate(ctx context.Context, txID string, route R, text string) (negotiation.Result, error)
	Negotiation(txID string) (negotiation.Snapshot[R], bool)
	Negotiations() []negotiation.Snapshot[R]
	UnhandledCount() int
	UnhandledTransactionIDs() []string
	Purge(olderThan time.Duration) []string
	PendingCommits() int
}

// CheckFunc reports named dependency checks for the health method.
type CheckFunc func(ctx context.Context) map[string]bool

// Service routes control requests to one engine.
type Service[R any] struct {
	engine Negotiator[R]
	checks CheckFunc
	now    func() time.Time
}

// NewService creates a control service. checks may be nil.
func NewService[R any](engine Negotiator[R], checks CheckFunc) *Service[R] {
	return &Service[R]{
		engine: engine,
		checks: checks,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Family returns the family of the underlying engine.
func (s *Service[R]) Family() string { return s.engine.Family() }

// Dispatch routes a request to the appropriate engine method and returns a response.
func (s *Service[R]) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - family=%s method=%s id=%s", logPrefix, s.engine.Family(), req.Method, req.ID))

	switch req.Method {
	case MethodInitiate:
		return s.handleInitiate(ctx, req)
	case MethodReply:
		return s.handleReply(ctx, req)
	case MethodRenegotiate:
		return s.handleRenegotiate(ctx, req)
	case MethodGet:
		return s.handleGet(req)
	case MethodList:
		return s.handleList(req)
	case MethodUnhandled:
		return s.handleUnhandled(req)
	case MethodPurge:
		return s.handlePurge(req)
	case MethodHealth:
		return s.handleHealth(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (s *Service[R]) handleInitiate(ctx context.Context, req *Request) *Response {
	var input InitiateParams[R]
	if err := decodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, negotiation.CodeInvalid, "Failed to parse initiate params", false)
	}
	if input.CounterpartyID == "" {
		return errorResponse(req.ID, negotiation.CodeInvalid, "counterpartyId is required", false)
	}
	result, err := s.engine.InitiateProposal(ctx, input.CounterpartyID, input.Route, input.Text)
	if err != nil {
		return engineErrorToResponse(req.ID, err, nil)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (s *Service[R]) handleReply(ctx context.Context, req *Request) *Response {
	var input ReplyParams[R]
	if err := decodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, negotiation.CodeInvalid, "Failed to parse reply params", false)
	}
	result, err := s.engine.SendReply(ctx, input.TransactionID, input.Status, input.Route, input.Text)
	if err != nil {
		// the reply is still recorded on a concluded negotiation
		if negotiation.IsCode(err, negotiation.CodeConcluded) {
			return engineErrorToResponse(req.ID, err, result)
		}
		return engineErrorToResponse(req.ID, err, nil)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (s *Service[R]) handleRenegotiate(ctx context.Context, req *Request) *Response {
	var input RenegotiateParams[R]
	if err := decodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, negotiation.CodeInvalid, "Failed to parse renegotiate params", false)
	}
	result, err := s.engine.Renegotiate(ctx, input.TransactionID, input.Route, input.Text)
	if err != nil {
		return engineErrorToResponse(req.ID, err, nil)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (s *Service[R]) handleGet(req *Request) *Response {
	var input GetParams
	if err := decodeParams(req.Params, &input); err != nil || input.TransactionID == "" {
		return errorResponse(req.ID, negotiation.CodeInvalid, "transactionId is required", false)
	}
	snap, ok := s.engine.Negotiation(input.TransactionID)
	if !ok {
		return errorResponse(req.ID, negotiation.CodeNotFound, fmt.Sprintf("transaction %s not found", input.TransactionID), false)
	}
	return &Response{ID: req.ID, Ok: true, Result: snap}
}

func (s *Service[R]) handleList(req *Request) *Response {
	var input ListParams
	if err := decodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, negotiation.CodeInvalid, "Failed to parse list params", false)
	}
	if input.Status != "" && !input.Status.Valid() {
		return errorResponse(req.ID, negotiation.CodeInvalid, fmt.Sprintf("unknown status %q", input.Status), false)
	}

	out := ListOutput{Family: s.engine.Family(), Negotiations: []Summary{}}
	for _, snap := range s.engine.Negotiations() {
		if input.Status != "" && snap.Status != input.Status {
			continue
		}
		if input.CounterpartyID != "" && snap.CounterpartyID != input.CounterpartyID {
			continue
		}
		if input.UnhandledOnly && snap.Handled {
			continue
		}
		out.Negotiations = append(out.Negotiations, summarize(snap))
	}
	sort.Slice(out.Negotiations, func(i, j int) bool {
		a, b := out.Negotiations[i], out.Negotiations[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.TransactionID < b.TransactionID
	})
	out.Total = len(out.Negotiations)
	if input.Limit > 0 && len(out.Negotiations) > input.Limit {
		out.Negotiations = out.Negotiations[:input.Limit]
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (s *Service[R]) handleUnhandled(req *Request) *Response {
	ids := s.engine.UnhandledTransactionIDs()
	if ids == nil {
		ids = []string{}
	}
	return &Response{ID: req.ID, Ok: true, Result: UnhandledOutput{
		Family:         s.engine.Family(),
		Count:          len(ids),
		TransactionIDs: ids,
	}}
}

func (s *Service[R]) handlePurge(req *Request) *Response {
	var input PurgeParams
	if err := decodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, negotiation.CodeInvalid, "Failed to parse purge params", false)
	}
	olderThan, err := time.ParseDuration(input.OlderThan)
	if err != nil || olderThan <= 0 {
		return errorResponse(req.ID, negotiation.CodeInvalid, fmt.Sprintf("olderThan must be a positive duration, got %q", input.OlderThan), false)
	}
	removed := s.engine.Purge(olderThan)
	if removed == nil {
		removed = []string{}
	}
	slog.Info(fmt.Sprintf("%s - purged %d %s negotiations older than %s", logPrefix, len(removed), s.engine.Family(), olderThan))
	return &Response{ID: req.ID, Ok: true, Result: PurgeOutput{Removed: removed}}
}

// Health reports engine counters and dependency checks.
func (s *Service[R]) Health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:         "healthy",
		Family:         s.engine.Family(),
		Negotiations:   len(s.engine.Negotiations()),
		Unhandled:      s.engine.UnhandledCount(),
		PendingCommits: s.engine.PendingCommits(),
		Timestamp:      s.now().Format(time.RFC3339),
	}
	if s.checks != nil {
		h.Checks = s.checks(ctx)
		for _, ok := range h.Checks {
			if !ok {
				h.Status = "unhealthy"
			}
		}
	}
	return h
}

func (s *Service[R]) handleHealth(ctx context.Context, req *Request) *Response {
	return &Response{ID: req.ID, Ok: true, Result: s.Health(ctx)}
}

// --- helpers ---

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func summarize[R any](snap negotiation.Snapshot[R]) Summary {
	return Summary{
		TransactionID:  snap.TransactionID,
		CounterpartyID: snap.CounterpartyID,
		Origin:         snap.Origin,
		Status:         snap.Status,
		Handled:        snap.Handled,
		Completed:      snap.Completed,
		Generation:     snap.Generation,
		Proposals:      len(snap.Proposals),
		Replies:        len(snap.Replies),
		UpdatedAt:      snap.UpdatedAt,
	}
}

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func engineErrorToResponse(id string, err error, details interface{}) *Response {
	var engErr *negotiation.Error
	if errors.As(err, &engErr) {
		retryable := engErr.Code == negotiation.CodeInternal || engErr.Code == negotiation.CodeRetractFailed
		if details == nil {
			details = engErr.Details
		}
		return &Response{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      engErr.Code,
				Message:   engErr.Message,
				Details:   details,
				Retryable: retryable,
			},
		}
	}
	return errorResponse(id, negotiation.CodeInternal, err.Error(), true)
}
