package redeem

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("code not found")
	ErrNotActive    = errors.New("code not active")
)
