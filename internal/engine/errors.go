package engine

import "errors"

var (
	ErrCharacterNotFound    = errors.New("character not found")
	ErrGenerationInProgress = errors.New("generation already in progress for this character")
	ErrRequestNotPending    = errors.New("social action request is not pending")
	ErrEmptyInput           = errors.New("input is empty")
)
