// Package provider puts every external generation API behind one Adapter
// interface that reports task progress in a shared four-state vocabulary.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/digkill/GenStudio/internal/models"
)

type State string

const (
	StateCreated    State = "created"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrTransient marks network errors, timeouts, rate limiting and 5xx
	// answers. The call may succeed if repeated later.
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrTaskFailed marks a permanent rejection of the request or task.
	ErrTaskFailed = errors.New("provider rejected task")
)

// TaskStatus is a provider task normalized into the shared vocabulary.
type TaskStatus struct {
	State     State
	ResultURL string
	Error     string
	// Raw is the provider's own state name, kept for diagnostics.
	Raw string
}

// SubmitResult carries the task reference of an accepted job. Synchronous
// providers also return the final Status, which is already terminal.
type SubmitResult struct {
	TaskID string
	Status *TaskStatus
}

type Adapter interface {
	Tool() models.Tool
	Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error)
	GetStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

type Registry struct {
	adapters map[models.Tool]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Tool]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Tool()] = a
	}
	return r
}

func (r *Registry) Get(tool models.Tool) (Adapter, bool) {
	a, ok := r.adapters[tool]
	return a, ok
}

// Tools returns the registered tools in a stable order.
func (r *Registry) Tools() []models.Tool {
	tools := make([]models.Tool, 0, len(r.adapters))
	for tool := range r.adapters {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i] < tools[j] })
	return tools
}

type temporary interface {
	Temporary() bool
}

// classify wraps err with ErrTransient or ErrTaskFailed. Errors that carry no
// verdict of their own (dial failures, timeouts, undecodable bodies) are
// treated as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrTaskFailed) {
		return err
	}
	var t temporary
	if errors.As(err, &t) && !t.Temporary() {
		return fmt.Errorf("%w: %w", ErrTaskFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func unexpectedParams(tool models.Tool, params models.ToolParams) error {
	return fmt.Errorf("%w: %s adapter cannot handle %T", ErrTaskFailed, tool, params)
}
