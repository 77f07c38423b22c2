package service

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedTool     = errors.New("unsupported tool")
	ErrProviderRejected    = errors.New("provider rejected generation")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// InsufficientCreditsError reports how much was asked for and how much the
// account holds. It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
