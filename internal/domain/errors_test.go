package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := Errorf(KindAmbiguousOutcome, "prices too close")

	assert.True(t, errors.Is(err, &Error{Kind: KindAmbiguousOutcome}))
	assert.False(t, errors.Is(err, &Error{Kind: KindValidation}))
	assert.Equal(t, KindAmbiguousOutcome, KindOf(err))
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("settle market: %w", Errorf(KindRetryable, "no snapshot"))

	assert.Equal(t, KindRetryable, KindOf(err))
	assert.True(t, errors.Is(err, &Error{Kind: KindRetryable}))
}

func TestWrapErrorKeepsCause(t *testing.T) {
	err := WrapError(KindRetryable, ErrVersionConflict, "update reserves")

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Contains(t, err.Error(), "update reserves")
	assert.Contains(t, err.Error(), "version conflict")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
