package engine

import (
	"errors"
	"fmt"
)

// ErrUnknown is returned when an operation failed but the engine's error
// record accessor produced no message.
var ErrUnknown = errors.New("unknown error")

// ErrClosed is returned for calls against a closed engine.
var ErrClosed = errors.New("engine is closed")

// EngineError is a SQL, constraint, or type error raised inside the
// sandboxed engine and recovered through the error-record protocol.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return e.Message }

// StorageError reports a failed or rejected page store operation. It
// surfaces at the engine call that was suspended waiting on it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ProtocolError reports a violation of the boundary protocol: a malformed
// pointer, a failed allocation, or a use-after-drop or double release of a
// handle. It is fatal: the sandbox instance is poisoned and every further
// call against it fails with the same error. The instance must be discarded
// and recreated.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol violation: " + e.Reason }
