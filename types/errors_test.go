package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictErrorIsConflict(t *testing.T) {
	err := &ConflictError{Fields: []string{"email", "name"}}
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "email")

	wrapped := fmt.Errorf("store user: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	var conflict *ConflictError
	assert.True(t, errors.As(wrapped, &conflict))
	assert.Equal(t, []string{"email", "name"}, conflict.Fields)
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrAuth, ErrValidation, ErrNotFound, ErrConflict, ErrProvider, ErrIntegrity}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
		}
	}
}
