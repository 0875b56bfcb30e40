package session

import "errors"

var (
	ErrSessionCompleted  = errors.New("session is already completed")
	ErrIncomplete        = errors.New("required fields are unanswered")
	ErrNoNextPhase       = errors.New("already at the last phase")
	ErrNoPreviousPhase   = errors.New("already at the first phase")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnknownForm       = errors.New("unknown form")
)
