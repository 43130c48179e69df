package protocol

import (
	"errors"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/processor"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session admission.
	ErrSessionMismatch  = "E_SESSION_MISMATCH"
	ErrScenarioMismatch = "E_SCENARIO_MISMATCH"
	ErrTuningMismatch   = "E_TUNING_MISMATCH"
	ErrPlayerTaken      = "E_PLAYER_TAKEN"
	ErrPlayerUnknown    = "E_PLAYER_UNKNOWN"

	// Command layer.
	ErrInvalidEntity      = "E_INVALID_ENTITY"
	ErrInvalidParameters  = "E_INVALID_PARAMETERS"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrUnknownCommandType = "E_UNKNOWN_COMMAND_TYPE"
	ErrTruncatedPayload   = "E_TRUNCATED_PAYLOAD"
	ErrRateLimit          = "E_RATE_LIMIT"
	ErrQueueFull          = "E_QUEUE_FULL"

	// Sync.
	ErrDesync   = "E_DESYNC"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:    {},
	ErrProtoVersion:       {},
	ErrSessionMismatch:    {},
	ErrScenarioMismatch:   {},
	ErrTuningMismatch:     {},
	ErrPlayerTaken:        {},
	ErrPlayerUnknown:      {},
	ErrInvalidEntity:      {},
	ErrInvalidParameters:  {},
	ErrPreconditionFailed: {},
	ErrUnknownCommandType: {},
	ErrTruncatedPayload:   {},
	ErrRateLimit:          {},
	ErrQueueFull:          {},
	ErrDesync:             {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeOf maps a command-layer error to its wire code; nil maps to "".
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, command.ErrInvalidEntity):
		return ErrInvalidEntity
	case errors.Is(err, command.ErrInvalidParameters):
		return ErrInvalidParameters
	case errors.Is(err, command.ErrPreconditionFailed):
		return ErrPreconditionFailed
	case errors.Is(err, command.ErrUnknownCommandType):
		return ErrUnknownCommandType
	case errors.Is(err, command.ErrTruncatedPayload):
		return ErrTruncatedPayload
	case errors.Is(err, processor.ErrRateLimited):
		return ErrRateLimit
	case errors.Is(err, processor.ErrQueueFull):
		return ErrQueueFull
	case errors.Is(err, ErrShortFrame), errors.Is(err, ErrLengthMismatch),
		errors.Is(err, ErrUnknownType), errors.Is(err, ErrBadPayload):
		return ErrProtoBadRequest
	}
	return ErrInternal
}
