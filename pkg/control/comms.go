package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/route-negotiator/pkg/commsutil"
)

// Dispatcher is implemented by Service for every route type.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) *Response
}

// Serve answers control requests on subject until the subscription is
// drained. Each request runs with requestTimeout, shortened when the
// caller asks for less.
func Serve(ctx context.Context, nc *comms.Conn, subject, queue string, d Dispatcher, requestTimeout time.Duration) (*comms.Subscription, error) {
	handler := func(msg *comms.Msg) {
		var req Request
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request on %s: %v", logPrefix, subject, err))
			respond(msg, errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
			if t := time.Duration(req.Ctx.TimeoutMs) * time.Millisecond; t < requestTimeout {
				cancel()
				reqCtx, cancel = context.WithTimeout(ctx, t)
			}
		}
		defer cancel()

		respond(msg, d.Dispatch(reqCtx, &req))
	}

	var (
		sub *comms.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	return sub, nil
}

func respond(msg *comms.Msg, resp *Response) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

// Client calls a control subject.
type Client struct {
	nc      *comms.Conn
	subject string
}

// NewClient creates a client for subject.
func NewClient(nc *comms.Conn, subject string) *Client {
	return &Client{nc: nc, subject: subject}
}

// Call sends method with params and waits for the response. A response with
// Ok=false is returned as is, not as an error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%s - encode %s params: %w", logPrefix, method, err)
		}
		req.Params = raw
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Ctx = &InvocationContext{RequestID: req.ID, TimeoutMs: int(time.Until(deadline).Milliseconds())}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s - encode request: %w", logPrefix, err)
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s - %s on %s: %w", logPrefix, method, c.subject, err)
	}
	var resp Response
	if err := commsutil.DecodePayload(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%s - decode response: %w", logPrefix, err)
	}
	return &resp, nil
}
