package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meetai/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AgentServiceConfig configures the agent runtime client.
type AgentServiceConfig struct {
	BaseURL string
	Timeout time.Duration
	// Retries applies to leave and health calls. Join is never retried: the
	// runtime rejects a second join for an active call.
	Retries      int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// AgentService is the HTTP client for the agent runtime service.
type AgentService struct {
	baseURL string
	client  *http.Client
	policy  retryPolicy
	logger  *slog.Logger
}

var _ domain.AgentController = (*AgentService)(nil)

// AgentHealth is the response of GET /health.
type AgentHealth struct {
	Status       string `json:"status"`
	ActiveAgents int    `json:"active_agents"`
}

// AgentStatus is the response of GET /agent/status.
type AgentStatus struct {
	ActiveCalls []string `json:"active_calls"`
	TotalActive int      `json:"total_active"`
}

func NewAgentService(cfg AgentServiceConfig) *AgentService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	return &AgentService{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		policy:  retryPolicy{retries: cfg.Retries, base: cfg.RetryBackoff},
		logger:  logger.With("component", "agent_service"),
	}
}

// Join asks the runtime to put an agent into the call. A non-2xx answer is a
// *StatusError; anything else is a transport failure.
func (a *AgentService) Join(ctx context.Context, req domain.JoinRequest) error {
	ctx, span := tracer.Start(ctx, "agent_service.join")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("call.id", req.CallID),
		attribute.String("call.type", req.CallType),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/agent/join", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build join request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("agent join: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := readStatusError("agent join", resp)
		span.RecordError(serr)
		span.SetStatus(codes.Error, "rejected")
		return serr
	}

	var result map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		a.logger.Debug("join response not JSON", "call_id", req.CallID, "err", err)
	}
	a.logger.Info("agent join accepted", "agent_id", req.AgentID, "call_id", req.CallID, "response", result)
	return nil
}

// Leave asks the runtime to remove the agent from the call.
func (a *AgentService) Leave(ctx context.Context, callID string) error {
	ctx, span := tracer.Start(ctx, "agent_service.leave")
	defer span.End()
	span.SetAttributes(attribute.String("call.id", callID))

	body, err := json.Marshal(map[string]string{"call_id": callID})
	if err != nil {
		return err
	}
	resp, err := doWithRetry(ctx, a.client, a.policy, "agent leave", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/agent/leave", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, a.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := readStatusError("agent leave", resp)
		span.RecordError(serr)
		span.SetStatus(codes.Error, "rejected")
		return serr
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Health reports the runtime's liveness and number of active agents.
func (a *AgentService) Health(ctx context.Context) (*AgentHealth, error) {
	var out AgentHealth
	if err := a.getJSON(ctx, "agent health", "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status lists the calls the runtime currently has an agent in.
func (a *AgentService) Status(ctx context.Context) (*AgentStatus, error) {
	var out AgentStatus
	if err := a.getJSON(ctx, "agent status", "/agent/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveCalls returns the set of call ids with a live agent session.
func (a *AgentService) ActiveCalls(ctx context.Context) (map[string]bool, error) {
	st, err := a.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(st.ActiveCalls))
	for _, id := range st.ActiveCalls {
		out[id] = true
	}
	return out, nil
}

func (a *AgentService) getJSON(ctx context.Context, op, path string, dst any) error {
	resp, err := doWithRetry(ctx, a.client, a.policy, op, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	}, a.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(op, resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
