package session

import "errors"

// ErrEmptyPrompt indicates a start/continue request without a prompt.
var ErrEmptyPrompt = errors.New("prompt is required")

// ErrUnknownBehavior indicates a decision with an unrecognized behavior tag.
var ErrUnknownBehavior = errors.New("unknown decision behavior")
