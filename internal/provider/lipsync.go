package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/GenStudio/internal/models"
)

const defaultLipSyncModel = "lipsync-2"

// LipSyncAdapter talks to a Sync Labs style API: POST /v2/generate, then
// GET /v2/generate/{id} until the job settles.
type LipSyncAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewLipSync(apiKey, baseURL string, timeout time.Duration) *LipSyncAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LipSyncAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *LipSyncAdapter) Tool() models.Tool { return models.ToolLipSync }

type lipSyncJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl"`
	Error     string `json:"error"`
}

func (a *LipSyncAdapter) Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error) {
	p, ok := params.(models.LipSyncParams)
	if !ok {
		return SubmitResult{}, unexpectedParams(models.ToolLipSync, params)
	}
	model := p.Model
	if model == "" {
		model = defaultLipSyncModel
	}
	payload := map[string]any{
		"model": model,
		"input": []map[string]string{
			{"type": "video", "url": p.VideoURL},
			{"type": "audio", "url": p.AudioURL},
		},
	}

	var job lipSyncJob
	if err := doJSON(ctx, a.httpClient, http.MethodPost, a.baseURL+"/v2/generate", a.headers(), payload, &job); err != nil {
		return SubmitResult{}, classify(err)
	}
	if job.ID == "" {
		return SubmitResult{}, classify(&HTTPError{StatusCode: http.StatusBadGateway, Body: "empty job id"})
	}
	return SubmitResult{TaskID: job.ID}, nil
}

func (a *LipSyncAdapter) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	var job lipSyncJob
	endpoint := a.baseURL + "/v2/generate/" + url.PathEscape(taskID)
	if err := doJSON(ctx, a.httpClient, http.MethodGet, endpoint, a.headers(), nil, &job); err != nil {
		return TaskStatus{}, classify(err)
	}

	status := TaskStatus{Raw: job.Status}
	switch strings.ToUpper(job.Status) {
	case "PENDING":
		status.State = StateCreated
	case "PROCESSING":
		status.State = StateProcessing
	case "COMPLETED":
		if job.OutputURL == "" {
			status.State = StateFailed
			status.Error = "provider returned no result"
			return status, nil
		}
		status.State = StateCompleted
		status.ResultURL = job.OutputURL
	case "FAILED", "REJECTED", "CANCELED", "CANCELLED":
		status.State = StateFailed
		status.Error = job.Error
		if status.Error == "" {
			status.Error = "job " + strings.ToLower(job.Status)
		}
	default:
		status.State = StateProcessing
	}
	return status, nil
}

func (a *LipSyncAdapter) headers() map[string]string {
	return map[string]string{"x-api-key": a.apiKey}
}
