package domain

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrRepositoriesNotConfigured = errors.New("repositories not configured")
	ErrProviderFailure           = errors.New("provider failure")
	ErrOrderNotCancelable        = errors.New("order not cancelable")
)
