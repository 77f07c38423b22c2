package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/GenStudio/internal/kie"
	"github.com/digkill/GenStudio/internal/models"
)

const (
	modelSoraTextToVideo  = "sora-2-text-to-video"
	modelSoraImageToVideo = "sora-2-image-to-video"
	modelInfiniteTalk     = "infinitalk/from-audio"
	defaultVeoModel       = "veo3_fast"
)

type jobsClient interface {
	CreateTask(ctx context.Context, model string, input map[string]any) (string, error)
	RecordInfo(ctx context.Context, taskID string) (*kie.TaskRecord, error)
}

type veoClient interface {
	VeoGenerate(ctx context.Context, req kie.VeoRequest) (string, error)
	VeoRecordInfo(ctx context.Context, taskID string) (*kie.VeoRecord, error)
}

// JobsAdapter drives tools served by the KIE jobs API (createTask + recordInfo).
type JobsAdapter struct {
	tool   models.Tool
	client jobsClient
}

func NewSora2(client jobsClient) *JobsAdapter {
	return &JobsAdapter{tool: models.ToolSora2, client: client}
}

func NewInfiniteTalk(client jobsClient) *JobsAdapter {
	return &JobsAdapter{tool: models.ToolInfiniteTalk, client: client}
}

func (a *JobsAdapter) Tool() models.Tool { return a.tool }

func (a *JobsAdapter) Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error) {
	model, input, err := a.buildInput(params)
	if err != nil {
		return SubmitResult{}, err
	}
	taskID, err := a.client.CreateTask(ctx, model, input)
	if err != nil {
		return SubmitResult{}, classify(err)
	}
	return SubmitResult{TaskID: taskID}, nil
}

func (a *JobsAdapter) buildInput(params models.ToolParams) (string, map[string]any, error) {
	switch p := params.(type) {
	case models.Sora2Params:
		if a.tool != models.ToolSora2 {
			break
		}
		input := map[string]any{
			"prompt":           p.Prompt,
			"aspect_ratio":     soraAspectRatio(p.AspectRatio),
			"n_frames":         soraFrames(p.Duration),
			"remove_watermark": true,
		}
		if p.ImageURL != "" {
			input["image_urls"] = []string{p.ImageURL}
			return modelSoraImageToVideo, input, nil
		}
		return modelSoraTextToVideo, input, nil
	case models.InfiniteTalkParams:
		if a.tool != models.ToolInfiniteTalk {
			break
		}
		resolution := p.Resolution
		if resolution == "" {
			resolution = "480p"
		}
		input := map[string]any{
			"image_url":  p.ImageURL,
			"audio_url":  p.AudioURL,
			"resolution": resolution,
		}
		if p.Prompt != "" {
			input["prompt"] = p.Prompt
		}
		return modelInfiniteTalk, input, nil
	}
	return "", nil, unexpectedParams(a.tool, params)
}

func (a *JobsAdapter) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	record, err := a.client.RecordInfo(ctx, taskID)
	if err != nil {
		return TaskStatus{}, classify(err)
	}

	status := TaskStatus{Raw: record.State}
	switch record.State {
	case kie.StateWaiting, kie.StateQueuing:
		status.State = StateCreated
	case kie.StateGenerating, "processing", "queued", "queueing":
		status.State = StateProcessing
	case kie.StateSuccess:
		if len(record.ResultURLs) == 0 {
			status.State = StateFailed
			status.Error = "provider returned no result"
			return status, nil
		}
		status.State = StateCompleted
		status.ResultURL = record.ResultURLs[0]
	case kie.StateFail:
		status.State = StateFailed
		status.Error = record.FailMsg
		if status.Error == "" {
			status.Error = "unknown error"
		}
		if record.FailCode != "" {
			status.Error = fmt.Sprintf("%s (code: %s)", status.Error, record.FailCode)
		}
	default:
		return TaskStatus{}, fmt.Errorf("%w: unknown task state %q", ErrTransient, record.State)
	}
	return status, nil
}

func soraAspectRatio(raw string) string {
	switch strings.ToLower(raw) {
	case "9:16", "portrait":
		return "portrait"
	default:
		return "landscape"
	}
}

func soraFrames(duration string) string {
	switch strings.TrimSuffix(duration, "s") {
	case "15":
		return "15"
	default:
		return "10"
	}
}

type Veo3Adapter struct {
	client veoClient
}

func NewVeo3(client veoClient) *Veo3Adapter {
	return &Veo3Adapter{client: client}
}

func (a *Veo3Adapter) Tool() models.Tool { return models.ToolVeo3 }

func (a *Veo3Adapter) Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error) {
	p, ok := params.(models.Veo3Params)
	if !ok {
		return SubmitResult{}, unexpectedParams(models.ToolVeo3, params)
	}
	req := kie.VeoRequest{
		Prompt:      p.Prompt,
		Model:       p.Model,
		AspectRatio: p.AspectRatio,
	}
	if req.Model == "" {
		req.Model = defaultVeoModel
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "16:9"
	}
	if p.ImageURL != "" {
		req.ImageURLs = []string{p.ImageURL}
	}
	taskID, err := a.client.VeoGenerate(ctx, req)
	if err != nil {
		return SubmitResult{}, classify(err)
	}
	return SubmitResult{TaskID: taskID}, nil
}

func (a *Veo3Adapter) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	record, err := a.client.VeoRecordInfo(ctx, taskID)
	if err != nil {
		return TaskStatus{}, classify(err)
	}

	status := TaskStatus{Raw: fmt.Sprintf("successFlag=%d", record.SuccessFlag)}
	switch record.SuccessFlag {
	case kie.VeoGenerating:
		status.State = StateProcessing
	case kie.VeoSuccess:
		if len(record.ResultURLs) == 0 {
			status.State = StateFailed
			status.Error = "provider returned no result"
			return status, nil
		}
		status.State = StateCompleted
		status.ResultURL = record.ResultURLs[0]
	case kie.VeoFailed, kie.VeoGenerateFailed:
		status.State = StateFailed
		status.Error = record.ErrorMessage
		if status.Error == "" {
			status.Error = "generation failed"
		}
	default:
		return TaskStatus{}, fmt.Errorf("%w: unknown veo successFlag %d", ErrTransient, record.SuccessFlag)
	}
	return status, nil
}
