package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Callers classify failures with errors.Is against these
// sentinels; concrete errors wrap them with context.
var (
	// ErrAuth: bad or missing credential. The connection is rejected at
	// handshake time, no state is created.
	ErrAuth = errors.New("not authorized")

	// ErrValidation: a required field is missing or malformed. The operation
	// is aborted before persistence, nothing is broadcast.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: a referenced user/room/message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: a unique-constraint violation (f.e. duplicate email).
	ErrConflict = errors.New("conflict")

	// ErrProvider: the external completion provider failed. Caught at the AI
	// coordinator boundary and converted into a terminal notice, never
	// propagated further.
	ErrProvider = errors.New("provider failure")

	// ErrIntegrity: a relational-integrity violation, f.e. a message
	// referencing a room deleted mid-flight.
	ErrIntegrity = errors.New("integrity violation")
)

// ConflictError names the offending unique field(s).
type ConflictError struct {
	Fields []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s", strings.Join(e.Fields, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
