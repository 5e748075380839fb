package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesClassificationFromCode(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeFileNotFound, CategoryIO, SeverityError, false},
		{ErrCodeTimeout, CategoryNetwork, SeverityWarning, true},
		{ErrCodeEmbeddingFailed, CategoryNetwork, SeverityWarning, true},
		{ErrCodeQueryEmpty, CategoryValidation, SeverityError, false},
		{ErrCodeStoreCorrupt, CategoryStore, SeverityFatal, false},
		{ErrCodeIngestionFailed, CategoryIngestion, SeverityError, false},
		{ErrCodeThreadEnded, CategoryConversation, SeverityError, false},
		{ErrCodeInternal, CategoryInternal, SeverityError, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestErrorStringIncludesCode(t *testing.T) {
	err := New(ErrCodeFileNotFound, "no such file", nil)
	assert.Equal(t, "[ERR_201_FILE_NOT_FOUND] no such file", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk exploded")
	err := Wrap(ErrCodeStoreSave, cause)

	require.NotNil(t, err)
	assert.Equal(t, "disk exploded", err.Message)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))

	assert.Nil(t, Wrap(ErrCodeStoreSave, nil))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(ErrCodeThreadUnknown, "thread %s not found", "t1")
	assert.ErrorIs(t, err, New(ErrCodeThreadUnknown, "other message", nil))
	assert.NotErrorIs(t, err, New(ErrCodeThreadEnded, "other", nil))
}

func TestWithDetailAndSuggestionChain(t *testing.T) {
	err := New(ErrCodeFileTooLarge, "too big", nil).
		WithDetail("path", "/data/huge.bin").
		WithDetail("size_mb", "900").
		WithSuggestion("raise ingest.max_file_size_mb")

	assert.Equal(t, "/data/huge.bin", err.Details["path"])
	assert.Equal(t, "900", err.Details["size_mb"])
	assert.Equal(t, "raise ingest.max_file_size_mb", err.Suggestion)
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeTimeout, "slow", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsFatal(New(ErrCodeDiskFull, "full", nil)))
	assert.False(t, IsFatal(New(ErrCodeTimeout, "slow", nil)))

	assert.Equal(t, ErrCodeQueryEmpty, GetCode(New(ErrCodeQueryEmpty, "empty", nil)))
	assert.Empty(t, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, CategoryValidation, GetCategory(New(ErrCodeQueryEmpty, "empty", nil)))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeThreadUnknown, http.StatusNotFound},
		{ErrCodeQueryEmpty, http.StatusBadRequest},
		{ErrCodeFileTooLarge, http.StatusRequestEntityTooLarge},
		{ErrCodeTimeout, http.StatusGatewayTimeout},
		{ErrCodeDependencyDown, http.StatusServiceUnavailable},
		{ErrCodeDiskFull, http.StatusInsufficientStorage},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"ERR_999_UNKNOWN", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), tt.code)
	}
}
