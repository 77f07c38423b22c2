package repository

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrTransitionRejected = errors.New("status transition rejected")
	ErrNotTerminal        = errors.New("generation is not in a terminal state")
)
