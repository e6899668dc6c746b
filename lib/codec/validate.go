// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import "fmt"

// Length limits: AppID and trigger names allow up to 128 characters,
// pool names up to 64.
const (
	MaxAppIDLength   = 128
	MaxPoolLength    = 64
	MaxTriggerLength = 128
)

// identifierChars is the set of characters permitted in an AppID, pool
// name, or trigger name: [A-Za-z0-9._-]. A fixed-size lookup table
// avoids a regexp per validation call, the same tradeoff lib/ref makes
// for localpart validation.
var identifierChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		identifierChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		identifierChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		identifierChars[c] = true
	}
	identifierChars['.'] = true
	identifierChars['_'] = true
	identifierChars['-'] = true
}

// ValidationError is a typed, wire-carryable validation failure. Code
// matches one of the protocol's stable error codes. Error messages
// generated by the codec always use VALIDATION_ERROR; callers that
// detect higher-level problems (access denied, not found) construct
// their own ValidationError with the appropriate Code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// validationErrorf constructs a VALIDATION_ERROR.
func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

// ValidateIdentifier checks label's value against the shared AppID/pool/
// trigger character class and the given maximum length. label is used
// only to build a readable error message.
func ValidateIdentifier(value, label string, maxLength int) error {
	if value == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(value) > maxLength {
		return validationErrorf("%s %q is %d characters, maximum is %d", label, value, len(value), maxLength)
	}
	for i := 0; i < len(value); i++ {
		if !identifierChars[value[i]] {
			return validationErrorf("%s %q contains invalid character %q at position %d (allowed: A-Z, a-z, 0-9, ., _, -)", label, value, value[i], i)
		}
	}
	return nil
}

// ValidateAppID validates an AppID.
func ValidateAppID(appID string) error {
	return ValidateIdentifier(appID, "app_id", MaxAppIDLength)
}

// ValidatePoolName validates a pool name.
func ValidatePoolName(name string) error {
	return ValidateIdentifier(name, "pool", MaxPoolLength)
}

// ValidateTriggerName validates a trigger name.
func ValidateTriggerName(name string) error {
	return ValidateIdentifier(name, "trigger", MaxTriggerLength)
}

// IsUUID reports whether s is a conventional 8-4-4-4-12 lowercase- or
// uppercase-hex UUID string. This checks shape only, not version/variant
// bits — the protocol does not require a specific UUID version.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range []byte(s) {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHexDigit(c) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Validate checks msg against the schema for its declared Kind:
// required-field presence, identifier character class/length, and
// per-operation sub-schemas for "memory" messages. This is the single
// gate every inbound message passes through before any component logic
// sees it — §4.2's "Failure semantics."
func Validate(msg *Message) error {
	if msg.Type == "" {
		return validationErrorf("missing required field: type")
	}

	switch msg.Type {
	case KindHandshake:
		return validateHandshake(msg)
	case KindHandshakeAck:
		return validateHandshakeAck(msg)
	case KindTrigger:
		return validateTrigger(msg)
	case KindResponse:
		return validateResponse(msg)
	case KindEmit:
		return validateEmit(msg)
	case KindError:
		return validateErrorMessage(msg)
	case KindMemory:
		return validateMemory(msg)
	case KindAdmin:
		return validateAdmin(msg)
	case KindBinaryFrame:
		return validateBinaryFrame(msg)
	default:
		return validationErrorf("unrecognized message type %q", msg.Type)
	}
}

func validateHandshake(msg *Message) error {
	if msg.AppID == "" {
		return validationErrorf("handshake: missing required field: app_id")
	}
	if err := ValidateAppID(msg.AppID); err != nil {
		return err
	}
	for _, pool := range msg.Pools {
		if err := ValidatePoolName(pool); err != nil {
			return err
		}
	}
	for _, trigger := range msg.Triggers {
		if err := ValidateTriggerName(trigger); err != nil {
			return err
		}
	}
	if msg.ID != "" && !IsUUID(msg.ID) {
		return validationErrorf("handshake: id %q is not a valid UUID", msg.ID)
	}
	return nil
}

func validateHandshakeAck(msg *Message) error {
	if msg.CorrelationID == "" {
		return validationErrorf("handshake_ack: missing required field: correlation_id")
	}
	if msg.Status == "" {
		return validationErrorf("handshake_ack: missing required field: status")
	}
	return nil
}

func validateTrigger(msg *Message) error {
	if msg.ID == "" {
		return validationErrorf("trigger: missing required field: id")
	}
	if !IsUUID(msg.ID) {
		return validationErrorf("trigger: id %q is not a valid UUID", msg.ID)
	}
	if msg.Origin == "" {
		return validationErrorf("trigger: missing required field: origin")
	}
	if err := ValidateAppID(msg.Origin); err != nil {
		return err
	}
	if msg.Trigger == "" {
		return validationErrorf("trigger: missing required field: trigger")
	}
	if err := ValidateTriggerName(msg.Trigger); err != nil {
		return err
	}
	if msg.Payload == nil {
		return validationErrorf("trigger: missing required field: payload")
	}
	if msg.Pool != "" {
		if err := ValidatePoolName(msg.Pool); err != nil {
			return err
		}
	}
	if msg.Destination != "" {
		if err := ValidateAppID(msg.Destination); err != nil {
			return err
		}
	}
	if msg.TTL != nil && *msg.TTL < 0 {
		return validationErrorf("trigger: ttl must not be negative")
	}
	return nil
}

func validateResponse(msg *Message) error {
	if msg.ID == "" && msg.CorrelationID == "" {
		return validationErrorf("response: missing required field: id or correlation_id/in_reply_to")
	}
	if msg.Status == "" {
		return validationErrorf("response: missing required field: status")
	}
	if msg.Status == "error" && msg.Error == "" {
		return validationErrorf("response: status is \"error\" but error field is missing")
	}
	return nil
}

func validateEmit(msg *Message) error {
	if msg.Trigger == "" {
		return validationErrorf("emit: missing required field: trigger")
	}
	if err := ValidateTriggerName(msg.Trigger); err != nil {
		return err
	}
	if msg.Payload == nil {
		return validationErrorf("emit: missing required field: payload")
	}
	return nil
}

func validateErrorMessage(msg *Message) error {
	if msg.CorrelationID == "" {
		return validationErrorf("error: missing required field: correlation_id")
	}
	if msg.Error == "" {
		return validationErrorf("error: missing required field: error")
	}
	if msg.ErrorCode == "" {
		return validationErrorf("error: missing required field: error_code")
	}
	return nil
}

func validateMemory(msg *Message) error {
	if msg.Operation == "" {
		return validationErrorf("memory: missing required field: operation")
	}
	if msg.BlockID == "" {
		return validationErrorf("memory: missing required field: block_id")
	}

	switch msg.Operation {
	case MemoryOpCreate:
		if msg.Size <= 0 {
			return validationErrorf("memory create: size must be positive")
		}
	case MemoryOpWrite:
		if msg.Data == nil {
			return validationErrorf("memory write: missing required field: data")
		}
		if msg.Offset < 0 {
			return validationErrorf("memory write: offset must not be negative")
		}
	case MemoryOpCAS:
		if msg.Data == nil {
			return validationErrorf("memory cas: missing required field: data")
		}
		if msg.Expected == nil {
			return validationErrorf("memory cas: missing required field: expected")
		}
		if msg.Offset < 0 {
			return validationErrorf("memory cas: offset must not be negative")
		}
	case MemoryOpRead:
		if msg.Offset < 0 {
			return validationErrorf("memory read: offset must not be negative")
		}
		if msg.Length < 0 {
			return validationErrorf("memory read: length must not be negative")
		}
	case MemoryOpLock:
		switch msg.Mode {
		case LockModeRead, LockModeWrite, LockModeExclusive:
		default:
			return validationErrorf("memory lock: mode must be one of read, write, exclusive, got %q", msg.Mode)
		}
		if msg.Timeout < 0 {
			return validationErrorf("memory lock: timeout must not be negative")
		}
	case MemoryOpUnlock:
		if msg.LockID == "" {
			return validationErrorf("memory unlock: missing required field: lock_id")
		}
	case MemoryOpAttach, MemoryOpDetach, MemoryOpRemove, MemoryOpInspect:
		// No additional required fields.
	default:
		return validationErrorf("memory: unrecognized operation %q", msg.Operation)
	}
	return nil
}

func validateAdmin(msg *Message) error {
	if msg.Operation == "" {
		return validationErrorf("admin: missing required field: operation")
	}
	return nil
}

func validateBinaryFrame(msg *Message) error {
	if msg.BinarySize <= 0 {
		return validationErrorf("binary_frame: binary_size must be positive")
	}
	return nil
}
