package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrInvalidProperties = errors.New("invalid connection properties")
)
