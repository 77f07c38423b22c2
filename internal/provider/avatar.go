package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/GenStudio/internal/models"
)

// syncTaskPrefix marks references minted locally for synchronous providers.
const syncTaskPrefix = "sync-"

const errSyncResultLost = "synchronous result lost"

// AvatarAdapter calls the nano-banana image endpoint, which answers inline.
// Submit therefore returns a terminal status and a locally minted reference.
type AvatarAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAvatar(apiKey, baseURL string, timeout time.Duration) *AvatarAdapter {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &AvatarAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *AvatarAdapter) Tool() models.Tool { return models.ToolAvatar }

func (a *AvatarAdapter) Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error) {
	p, ok := params.(models.AvatarParams)
	if !ok {
		return SubmitResult{}, unexpectedParams(models.ToolAvatar, params)
	}
	format := strings.ToLower(p.OutputFormat)
	if format == "" {
		format = "png"
	}
	payload := map[string]any{
		"prompt":        p.Prompt,
		"num_images":    1,
		"output_format": format,
	}
	endpoint := a.baseURL + "/fal-ai/nano-banana"
	if len(p.ImageURLs) > 0 {
		payload["image_urls"] = p.ImageURLs
		endpoint += "/edit"
	}

	var resp struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Description string `json:"description"`
	}
	headers := map[string]string{"Authorization": "Key " + a.apiKey}
	if err := doJSON(ctx, a.httpClient, http.MethodPost, endpoint, headers, payload, &resp); err != nil {
		return SubmitResult{}, classify(err)
	}

	status := &TaskStatus{State: StateCompleted, Raw: "inline"}
	if len(resp.Images) == 0 || resp.Images[0].URL == "" {
		status.State = StateFailed
		status.Error = "provider returned no image"
		if resp.Description != "" {
			status.Error += ": " + resp.Description
		}
	} else {
		status.ResultURL = resp.Images[0].URL
	}
	return SubmitResult{TaskID: syncTaskPrefix + uuid.NewString(), Status: status}, nil
}

// GetStatus is only reached when a synchronous result was never stored, for
// example after a crash between Submit and finalization. The result cannot be
// recovered from the provider.
func (a *AvatarAdapter) GetStatus(_ context.Context, taskID string) (TaskStatus, error) {
	return TaskStatus{State: StateFailed, Error: errSyncResultLost, Raw: taskID}, nil
}
