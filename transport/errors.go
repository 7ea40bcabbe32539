package transport

import "errors"

var (
	ErrDriverNotFound   = errors.New("probe driver library not found")
	ErrDriverTooOld     = errors.New("probe driver library too old")
	ErrDriverOpenFailed = errors.New("probe driver library could not be opened")
	ErrProbeNotFound    = errors.New("probe not found")
	ErrNoTarget         = errors.New("no target responded")
	ErrLowVoltage       = errors.New("target voltage too low")
	ErrCommunication    = errors.New("probe communication error")
	ErrTimeout          = errors.New("probe communication timeout")
	ErrOutOfMemory      = errors.New("driver buffer allocation failed")
)
