package components

import (
	"errors"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrClosed         = errors.New("provider is closed")
	ErrInvalidKey     = errors.New("invalid key")
)
