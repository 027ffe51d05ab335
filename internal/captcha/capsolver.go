package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

const (
	// CapSolver API endpoints
	capSolverBaseURL    = "https://api.capsolver.com"
	capSolverCreateTask = "/createTask"
	capSolverGetResult  = "/getTaskResult"
	capSolverGetBalance = "/getBalance"

	capSolverPollInterval   = 3 * time.Second
	capSolverDefaultTimeout = 60 * time.Second
	capSolverRequestTimeout = 10 * time.Second

	// Responses are small JSON documents.
	maxResponseSize = 1 << 20
)

// CapSolver is a client for the CapSolver create-task/poll-task API.
// It holds no per-task state and is safe for concurrent use.
type CapSolver struct {
	apiKey       string
	httpClient   *http.Client
	baseURL      string
	timeout      time.Duration
	pollInterval time.Duration
}

// CapSolverConfig contains configuration for the CapSolver client.
type CapSolverConfig struct {
	APIKey       string
	Timeout      time.Duration // default solve timeout when a request carries none
	BaseURL      string        // override for testing
	PollInterval time.Duration // override for testing
}

// NewCapSolver creates a new CapSolver client.
func NewCapSolver(cfg CapSolverConfig) *CapSolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = capSolverDefaultTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = capSolverBaseURL
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = capSolverPollInterval
	}

	return &CapSolver{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		timeout:      timeout,
		pollInterval: poll,
		httpClient: &http.Client{
			Timeout: capSolverRequestTimeout,
		},
	}
}

// Name returns the provider name.
func (s *CapSolver) Name() string {
	return "capsolver"
}

// IsConfigured returns true if API key is set.
func (s *CapSolver) IsConfigured() bool {
	return s.apiKey != ""
}

// createTaskRequest is the request body for createTask.
type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

// task covers both task variants; unused fields are omitted.
type task struct {
	Type       string    `json:"type"`
	WebsiteURL string    `json:"websiteURL"`
	WebsiteKey string    `json:"websiteKey,omitempty"`
	Proxy      string    `json:"proxy,omitempty"`
	Metadata   *metadata `json:"metadata,omitempty"`
}

type metadata struct {
	Action string `json:"action,omitempty"`
	CData  string `json:"cdata,omitempty"`
}

// apiError is embedded in every response. A missing errorId counts as a failure.
type apiError struct {
	ErrorID          *int   `json:"errorId"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

func (e apiError) failed() bool {
	return e.ErrorID == nil || *e.ErrorID != 0
}

type createTaskResponse struct {
	apiError
	TaskID string `json:"taskId,omitempty"`
}

type getResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type getResultResponse struct {
	apiError
	Status   string    `json:"status"` // "processing", "ready", or "failed"
	Solution *solution `json:"solution,omitempty"`
}

// solution is the union of the Turnstile and managed-task payloads.
type solution struct {
	Token     string            `json:"token,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

type balanceResponse struct {
	apiError
	Balance float64 `json:"balance"`
}

// SolveTurnstile solves a site-key Turnstile task.
func (s *CapSolver) SolveTurnstile(ctx context.Context, req TurnstileRequest) (*TurnstileSolution, error) {
	if !s.IsConfigured() {
		return nil, types.ErrCaptchaNotConfigured
	}

	t := task{
		Type:       TaskTurnstileProxyless,
		WebsiteURL: req.PageURL,
		WebsiteKey: req.SiteKey,
	}
	if req.Action != "" || req.CData != "" {
		t.Metadata = &metadata{Action: req.Action, CData: req.CData}
	}

	start := time.Now()
	sol, err := s.solve(ctx, t, req.Timeout)
	metrics.RecordSolverTask(TaskTurnstileProxyless, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	if sol.Token == "" {
		return nil, types.ErrCaptchaEmptySolution
	}

	return &TurnstileSolution{
		Token:     sol.Token,
		UserAgent: sol.UserAgent,
		SolveTime: time.Since(start),
	}, nil
}

// SolveManaged solves a full-page managed challenge through the given proxy.
func (s *CapSolver) SolveManaged(ctx context.Context, req ManagedRequest) (*ManagedSolution, error) {
	if !s.IsConfigured() {
		return nil, types.ErrCaptchaNotConfigured
	}
	if req.Proxy == "" {
		return nil, types.ErrCaptchaProxyIncomplete
	}

	start := time.Now()
	sol, err := s.solve(ctx, task{
		Type:       TaskManagedChallenge,
		WebsiteURL: req.WebsiteURL,
		Proxy:      req.Proxy,
	}, req.Timeout)
	metrics.RecordSolverTask(TaskManagedChallenge, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(sol.Cookies) == 0 {
		return nil, types.ErrCaptchaEmptySolution
	}

	return &ManagedSolution{
		Cookies:   sol.Cookies,
		UserAgent: sol.UserAgent,
		SolveTime: time.Since(start),
	}, nil
}

// solve creates a task and polls it to completion.
func (s *CapSolver) solve(ctx context.Context, t task, timeout time.Duration) (*solution, error) {
	taskID, err := s.createTask(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	log.Debug().
		Str("task_id", taskID).
		Str("task_type", t.Type).
		Msg("CapSolver task created")

	if timeout <= 0 {
		timeout = s.timeout
	}
	result, err := s.pollResult(ctx, taskID, timeout)
	if err != nil {
		return nil, err
	}
	return result.Solution, nil
}

func (s *CapSolver) createTask(ctx context.Context, t task) (string, error) {
	var resp createTaskResponse
	if err := s.post(ctx, capSolverCreateTask, createTaskRequest{ClientKey: s.apiKey, Task: t}, &resp); err != nil {
		return "", err
	}
	if resp.failed() {
		return "", s.handleError(resp.ErrorCode, resp.ErrorDescription, "")
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("createTask returned no task id")
	}
	return resp.TaskID, nil
}

// pollResult polls for the task result until it is ready, failed, or timeout elapses.
func (s *CapSolver) pollResult(ctx context.Context, taskID string, timeout time.Duration) (*getResultResponse, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return nil, types.NewCaptchaTimeoutError(s.Name(), taskID)
		case <-ticker.C:
			result, err := s.getResult(pollCtx, taskID)
			if err != nil {
				return nil, err
			}

			switch result.Status {
			case "ready":
				if result.Solution == nil {
					return nil, types.ErrCaptchaEmptySolution
				}
				return result, nil
			case "failed":
				return nil, types.NewCaptchaRejectedError(s.Name(), "failed", "task failed")
			default:
				log.Debug().
					Str("task_id", taskID).
					Str("status", result.Status).
					Msg("CapSolver task still processing")
			}
		}
	}
}

func (s *CapSolver) getResult(ctx context.Context, taskID string) (*getResultResponse, error) {
	var resp getResultResponse
	if err := s.post(ctx, capSolverGetResult, getResultRequest{ClientKey: s.apiKey, TaskID: taskID}, &resp); err != nil {
		return nil, err
	}
	if resp.failed() {
		return nil, s.handleError(resp.ErrorCode, resp.ErrorDescription, taskID)
	}
	return &resp, nil
}

// Balance retrieves the current account balance.
func (s *CapSolver) Balance(ctx context.Context) (float64, error) {
	if !s.IsConfigured() {
		return 0, types.ErrCaptchaNotConfigured
	}
	var resp balanceResponse
	if err := s.post(ctx, capSolverGetBalance, map[string]string{"clientKey": s.apiKey}, &resp); err != nil {
		return 0, err
	}
	if resp.failed() {
		return 0, s.handleError(resp.ErrorCode, resp.ErrorDescription, "")
	}
	return resp.Balance, nil
}

// post sends body as JSON to path and decodes the response into out.
func (s *CapSolver) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// handleError converts CapSolver error codes to appropriate error types.
func (s *CapSolver) handleError(code, description, taskID string) error {
	switch code {
	case "ERROR_ZERO_BALANCE":
		return types.NewCaptchaBalanceError(s.Name())
	case "ERROR_NO_AVAILABLE_WORKERS":
		return types.NewCaptchaRejectedError(s.Name(), code, "no workers available, try again later")
	case "ERROR_INVALID_TASK_DATA", "ERROR_WRONG_WEBSITEKEY":
		return types.NewCaptchaRejectedError(s.Name(), code, "invalid sitekey or task data")
	case "ERROR_PROXY_CONNECT_REFUSED", "ERROR_PROXY_BANNED", "ERROR_BAD_PROXY":
		return types.NewCaptchaRejectedError(s.Name(), code, "proxy rejected by solver")
	case "ERROR_CAPTCHA_UNSOLVABLE":
		return types.NewCaptchaRejectedError(s.Name(), code, "captcha could not be solved")
	case "ERROR_KEY_DENIED", "ERROR_INVALID_CLIENTKEY":
		return types.NewCaptchaRejectedError(s.Name(), code, "invalid API key")
	case "ERROR_TASK_NOT_FOUND", "ERROR_TASKID_INVALID":
		return types.NewCaptchaRejectedError(s.Name(), code, "task not found or expired")
	default:
		msg := description
		if msg == "" {
			msg = code
		}
		if msg == "" {
			msg = "missing errorId in response"
		}
		return &types.CaptchaError{
			Provider: s.Name(),
			TaskID:   taskID,
			Code:     code,
			Message:  fmt.Sprintf("CapSolver error: %s", msg),
			Err:      types.ErrCaptchaSolverRejected,
		}
	}
}
