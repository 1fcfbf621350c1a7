package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/multiagent"
)

const maxUpstreamBody = 10 << 20

// Deliverer routes a message to an agent.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.Message) (*multiagent.DeliveryResult, error)
}

// forwardedRequest is the payload an agent receives for a gateway request.
type forwardedRequest struct {
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Function  string            `json:"function,omitempty"`
	Client    string            `json:"client"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// agentAccepted is the body of a 202 reply for agent-routed requests.
type agentAccepted struct {
	MessageID     string `json:"message_id"`
	SelectedAgent string `json:"selected_agent"`
	OriginalAgent string `json:"original_agent,omitempty"`
	Reason        string `json:"reason"`
}

// forwardToAgent wraps the request in a message and hands it to the broker,
// which routes it by score and writes it to the message transport.
func (c *Controller) forwardToAgent(ctx context.Context, req *Request, route Route, params map[string]string, client *ClientInfo) (*Response, error) {
	if c.deliver == nil {
		return nil, domain.NewSubSystemError("gateway", "Controller.forwardToAgent", domain.ErrUpstream, "no broker configured")
	}
	msgType := domain.MessageType(req.Headers.Get("X-Message-Type"))
	if msgType == "" {
		msgType = domain.MsgDataRequest
		if route.Kind == TargetFunction {
			msgType = domain.MsgAnalysisRequest
		}
	}
	from := c.cfg.ID
	if client != nil && client.AgentID != "" {
		from = client.AgentID
	}
	payload, err := json.Marshal(forwardedRequest{
		RequestID: req.ID,
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Params:    params,
		Function:  route.Function,
		Client:    req.ClientID,
		Body:      bodyJSON(req.Body),
	})
	if err != nil {
		return nil, err
	}
	priority := domain.PriorityNormal
	if strings.EqualFold(req.Headers.Get("X-Priority"), string(domain.PriorityHigh)) {
		priority = domain.PriorityHigh
	}

	res, err := c.deliver.Deliver(ctx, domain.Message{
		FromAgent:   from,
		ToAgent:     route.AgentID,
		MessageType: msgType,
		Priority:    priority,
		Payload:     payload,
	})
	if err != nil {
		return nil, domain.NewSubSystemError("gateway", "Controller.forwardToAgent", domain.ErrUpstream, err.Error())
	}
	body, err := json.Marshal(agentAccepted{
		MessageID:     res.Message.ID,
		SelectedAgent: res.Decision.SelectedAgent,
		OriginalAgent: res.Decision.OriginalAgent,
		Reason:        res.Decision.Reason,
	})
	if err != nil {
		return nil, err
	}
	h := jsonHeaders()
	h.Set("X-Target-Agent", res.Decision.SelectedAgent)
	return &Response{Status: http.StatusAccepted, Headers: h, Body: body}, nil
}

// forwardHTTP proxies the request to base + path.
func (c *Controller) forwardHTTP(ctx context.Context, req *Request, base string, route Route) (*Response, error) {
	target := strings.TrimRight(base, "/") + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, domain.NewSubSystemError("gateway", "Controller.forwardHTTP", domain.ErrUpstream, err.Error())
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	out.Header.Del("X-Gateway-Token")
	out.Header.Del("X-Original-Path")
	out.Header.Set("X-Forwarded-By", c.cfg.ID)
	out.Header.Set("X-Gateway-Timestamp", c.clock.Now().UTC().Format(time.RFC3339Nano))
	out.Header.Set("X-Request-Id", req.ID)
	if route.AgentID != "" {
		out.Header.Set("X-Target-Agent", route.AgentID)
	}

	resp, err := c.client.Do(out)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewSubSystemError("gateway", "Controller.forwardHTTP", domain.ErrTimeout, target)
		}
		return nil, domain.NewSubSystemError("gateway", "Controller.forwardHTTP", domain.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, domain.NewSubSystemError("gateway", "Controller.forwardHTTP", domain.ErrUpstream, fmt.Sprintf("read body: %v", err))
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: body}, nil
}

// bodyJSON embeds valid JSON as-is and anything else as a JSON string.
func bodyJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	s, _ := json.Marshal(string(b))
	return s
}

func jsonHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}
