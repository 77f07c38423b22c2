package kie

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/digkill/GenStudio/internal/config"
)

// Task states reported by the jobs API.
const (
	StateWaiting    = "waiting"
	StateQueuing    = "queuing"
	StateGenerating = "generating"
	StateSuccess    = "success"
	StateFail       = "fail"
)

// Veo successFlag values.
const (
	VeoGenerating     = 0
	VeoSuccess        = 1
	VeoFailed         = 2
	VeoGenerateFailed = 3
)

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// APIError is returned when KIE answers with a non-2xx HTTP status or a
// non-200 code in the response envelope.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kie error: status=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Message)
}

// Temporary reports whether retrying the same call later may succeed.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500 ||
		e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type TaskRecord struct {
	TaskID     string
	State      string
	ResultURLs []string
	FailCode   string
	FailMsg    string
}

type VeoRecord struct {
	TaskID       string
	SuccessFlag  int
	ResultURLs   []string
	ErrorMessage string
}

type VeoRequest struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	Model       string   `json:"model,omitempty"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// CreateTask submits a jobs API task for model and returns its task id.
func (c *Client) CreateTask(ctx context.Context, model string, input map[string]any) (string, error) {
	payload := map[string]any{
		"model": model,
		"input": input,
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/createTask", nil, payload, &createResp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if createResp.Code != http.StatusOK {
		return "", &APIError{HTTPStatus: http.StatusOK, Code: createResp.Code, Message: createResp.Msg}
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	if c.log != nil {
		c.log.Info("kie task created", "task_id", createResp.Data.TaskID, "model", model)
	}
	return createResp.Data.TaskID, nil
}

// RecordInfo fetches the current state of a jobs API task once.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*TaskRecord, error) {
	params := url.Values{}
	params.Set("taskId", taskID)

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/recordInfo", params, nil, &statusResp); err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}
	if statusResp.Code != http.StatusOK {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: statusResp.Code, Message: statusResp.Msg}
	}

	record := &TaskRecord{
		TaskID:   statusResp.Data.TaskID,
		State:    statusResp.Data.State,
		FailCode: statusResp.Data.FailCode,
		FailMsg:  statusResp.Data.FailMsg,
	}
	if record.State == StateSuccess && statusResp.Data.ResultJSON != "" {
		// resultJson is a JSON document encoded as a string.
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
			return nil, fmt.Errorf("parse resultJson: %w", err)
		}
		record.ResultURLs = result.ResultURLs
	}
	return record, nil
}

func (c *Client) VeoGenerate(ctx context.Context, req VeoRequest) (string, error) {
	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/veo/generate", nil, req, &createResp); err != nil {
		return "", fmt.Errorf("create veo task: %w", err)
	}
	if createResp.Code != http.StatusOK {
		return "", &APIError{HTTPStatus: http.StatusOK, Code: createResp.Code, Message: createResp.Msg}
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}
	return createResp.Data.TaskID, nil
}

func (c *Client) VeoRecordInfo(ctx context.Context, taskID string) (*VeoRecord, error) {
	params := url.Values{}
	params.Set("taskId", taskID)

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID      string `json:"taskId"`
			SuccessFlag int    `json:"successFlag"`
			Response    struct {
				ResultURLs []string `json:"resultUrls"`
			} `json:"response"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/veo/record-info", params, nil, &statusResp); err != nil {
		return nil, fmt.Errorf("get veo status: %w", err)
	}
	if statusResp.Code != http.StatusOK {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: statusResp.Code, Message: statusResp.Msg}
	}
	return &VeoRecord{
		TaskID:       statusResp.Data.TaskID,
		SuccessFlag:  statusResp.Data.SuccessFlag,
		ResultURLs:   statusResp.Data.Response.ResultURLs,
		ErrorMessage: statusResp.Data.ErrorMessage,
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpointPath string, query url.Values, payload any, out any) error {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(endpointPath)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	fullURL := baseURL.ResolveReference(endpoint).String()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s kie: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("kie request failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		}
		return &APIError{HTTPStatus: resp.StatusCode, Message: truncateBody(rawBody)}
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
