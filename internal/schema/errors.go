package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned for names outside the naming policy. Never retried.
	ErrInvalidName = errors.New("invalid schema name")

	// ErrNameCollision is returned when no unused random name could be generated.
	ErrNameCollision = errors.New("schema name collision")

	// ErrProvisionFailed marks a failed schema creation, migration or seed.
	ErrProvisionFailed = errors.New("schema provisioning failed")
)

// ProvisionError reports a failed provisioning of Schema. Schema is empty
// when no name could be allocated.
type ProvisionError struct {
	Schema string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("provision schema: %v", e.Err)
	}
	return fmt.Sprintf("provision schema %s: %v", e.Schema, e.Err)
}

func (e *ProvisionError) Unwrap() []error {
	return []error{ErrProvisionFailed, e.Err}
}
