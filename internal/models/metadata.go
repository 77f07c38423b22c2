package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ToolParams is the tool-specific part of a generation request. Each tool has
// exactly one implementation; DecodeParams switches over all of them.
type ToolParams interface {
	Tool() Tool
	Validate() error
}

type Sora2Params struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

func (Sora2Params) Tool() Tool { return ToolSora2 }

func (p Sora2Params) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

type Veo3Params struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Model       string `json:"model,omitempty"`
}

func (Veo3Params) Tool() Tool { return ToolVeo3 }

func (p Veo3Params) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

type LipSyncParams struct {
	VideoURL string `json:"video_url"`
	AudioURL string `json:"audio_url"`
	Model    string `json:"model,omitempty"`
}

func (LipSyncParams) Tool() Tool { return ToolLipSync }

func (p LipSyncParams) Validate() error {
	if p.VideoURL == "" || p.AudioURL == "" {
		return errors.New("video_url and audio_url are required")
	}
	return nil
}

type InfiniteTalkParams struct {
	ImageURL   string `json:"image_url"`
	AudioURL   string `json:"audio_url"`
	Prompt     string `json:"prompt,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (InfiniteTalkParams) Tool() Tool { return ToolInfiniteTalk }

func (p InfiniteTalkParams) Validate() error {
	if p.ImageURL == "" || p.AudioURL == "" {
		return errors.New("image_url and audio_url are required")
	}
	return nil
}

type AvatarParams struct {
	Prompt       string   `json:"prompt"`
	ImageURLs    []string `json:"image_urls,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

func (AvatarParams) Tool() Tool { return ToolAvatar }

func (p AvatarParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

// ParamsInput is the union of request fields accepted by any tool.
type ParamsInput struct {
	Prompt      string
	ImageURL    string
	ImageURLs   []string
	AudioURL    string
	VideoURL    string
	AspectRatio string
	Duration    string
	Resolution  string
	Model       string
}

// BuildParams picks the fields relevant to tool and validates them.
func BuildParams(tool Tool, in ParamsInput) (ToolParams, error) {
	var params ToolParams
	switch tool {
	case ToolSora2:
		params = Sora2Params{Prompt: in.Prompt, ImageURL: in.ImageURL, AspectRatio: in.AspectRatio, Duration: in.Duration}
	case ToolVeo3:
		params = Veo3Params{Prompt: in.Prompt, ImageURL: in.ImageURL, AspectRatio: in.AspectRatio, Model: in.Model}
	case ToolLipSync:
		params = LipSyncParams{VideoURL: in.VideoURL, AudioURL: in.AudioURL, Model: in.Model}
	case ToolInfiniteTalk:
		params = InfiniteTalkParams{ImageURL: in.ImageURL, AudioURL: in.AudioURL, Prompt: in.Prompt, Resolution: in.Resolution}
	case ToolAvatar:
		urls := in.ImageURLs
		if len(urls) == 0 && in.ImageURL != "" {
			urls = []string{in.ImageURL}
		}
		params = AvatarParams{Prompt: in.Prompt, ImageURLs: urls}
	default:
		return nil, fmt.Errorf("unsupported tool: %s", tool)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// DecodeParams decodes the params document stored for tool.
func DecodeParams(tool Tool, raw []byte) (ToolParams, error) {
	var (
		params ToolParams
		err    error
	)
	switch tool {
	case ToolSora2:
		var p Sora2Params
		err = json.Unmarshal(raw, &p)
		params = p
	case ToolVeo3:
		var p Veo3Params
		err = json.Unmarshal(raw, &p)
		params = p
	case ToolLipSync:
		var p LipSyncParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ToolInfiniteTalk:
		var p InfiniteTalkParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ToolAvatar:
		var p AvatarParams
		err = json.Unmarshal(raw, &p)
		params = p
	default:
		return nil, fmt.Errorf("unsupported tool: %s", tool)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", tool, err)
	}
	return params, nil
}

// Metadata is the JSON document stored with every generation.
type Metadata struct {
	TaskID                string     `json:"task_id,omitempty"`
	Prompt                string     `json:"prompt,omitempty"`
	Error                 string     `json:"error,omitempty"`
	StorageError          string     `json:"storage_error,omitempty"`
	ProviderState         string     `json:"provider_state,omitempty"`
	ProviderResultURL     string     `json:"provider_result_url,omitempty"`
	DebitFromSubscription int        `json:"debit_from_subscription,omitempty"`
	DebitFromExtras       int        `json:"debit_from_extras,omitempty"`
	PollFailures          int        `json:"poll_failures,omitempty"`
	RefundedCredits       int        `json:"refunded_credits,omitempty"`
	ProcessingAt          *time.Time `json:"processing_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	FailedAt              *time.Time `json:"failed_at,omitempty"`
	LastPolledAt          *time.Time `json:"last_polled_at,omitempty"`
	Params                ToolParams `json:"-"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	doc := struct {
		plain
		Tool   Tool       `json:"tool,omitempty"`
		Params ToolParams `json:"params,omitempty"`
	}{plain: plain(m)}
	if m.Params != nil {
		doc.Tool = m.Params.Tool()
		doc.Params = m.Params
	}
	return json.Marshal(doc)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var doc struct {
		plain
		Tool   Tool            `json:"tool,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = Metadata(doc.plain)
	if doc.Tool != "" && len(doc.Params) > 0 && string(doc.Params) != "null" {
		params, err := DecodeParams(doc.Tool, doc.Params)
		if err != nil {
			return err
		}
		m.Params = params
	}
	return nil
}

// MetadataPatch lists the fields a status update may change. Nil fields are
// left untouched, so merging a patch never clobbers unrelated keys.
type MetadataPatch struct {
	TaskID            *string    `json:"task_id,omitempty"`
	Error             *string    `json:"error,omitempty"`
	StorageError      *string    `json:"storage_error,omitempty"`
	ProviderState     *string    `json:"provider_state,omitempty"`
	ProviderResultURL *string    `json:"provider_result_url,omitempty"`
	PollFailures      *int       `json:"poll_failures,omitempty"`
	RefundedCredits   *int       `json:"refunded_credits,omitempty"`
	ProcessingAt      *time.Time `json:"processing_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	LastPolledAt      *time.Time `json:"last_polled_at,omitempty"`
}

func (m *Metadata) Apply(p MetadataPatch) {
	if p.TaskID != nil {
		m.TaskID = *p.TaskID
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	if p.StorageError != nil {
		m.StorageError = *p.StorageError
	}
	if p.ProviderState != nil {
		m.ProviderState = *p.ProviderState
	}
	if p.ProviderResultURL != nil {
		m.ProviderResultURL = *p.ProviderResultURL
	}
	if p.PollFailures != nil {
		m.PollFailures = *p.PollFailures
	}
	if p.RefundedCredits != nil {
		m.RefundedCredits = *p.RefundedCredits
	}
	if p.ProcessingAt != nil {
		m.ProcessingAt = p.ProcessingAt
	}
	if p.CompletedAt != nil {
		m.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		m.FailedAt = p.FailedAt
	}
	if p.LastPolledAt != nil {
		m.LastPolledAt = p.LastPolledAt
	}
}

func Ptr[T any](v T) *T {
	return &v
}
