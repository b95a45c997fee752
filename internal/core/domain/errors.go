package domain

import "errors"

var (
	ErrAlreadyInitialized = errors.New("connection already initialized")
	ErrNotInitialized     = errors.New("connection not initialized")
	ErrCallActive         = errors.New("call already started")
	ErrCallEnded          = errors.New("call ended")
	ErrDestroyed          = errors.New("manager destroyed")
	ErrLocalStreamActive  = errors.New("local stream already acquired")
	ErrChannelNotOpen     = errors.New("control channel not open")
)
