// Package errors provides structured error handling for ragweave.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Network / dependency errors
//   - 4XX: Validation errors
//   - 5XX: Vector store errors
//   - 6XX: Ingestion pipeline errors
//   - 7XX: Conversation errors
//   - 9XX: Internal errors
package errors

import "net/http"

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network and external dependency errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryStore indicates vector store errors.
	CategoryStore Category = "STORE"
	// CategoryIngestion indicates ingestion pipeline errors.
	CategoryIngestion Category = "INGESTION"
	// CategoryConversation indicates conversation state errors.
	CategoryConversation Category = "CONVERSATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull       = "ERR_203_DISK_FULL"
	ErrCodeFileTooLarge   = "ERR_204_FILE_TOO_LARGE"
	ErrCodeFileCorrupt    = "ERR_205_FILE_CORRUPT"

	// Network / dependency errors (300-399)
	ErrCodeTimeout           = "ERR_301_TIMEOUT"
	ErrCodeDependencyDown    = "ERR_302_DEPENDENCY_UNAVAILABLE"
	ErrCodeEmbeddingFailed   = "ERR_303_EMBEDDING_FAILED"
	ErrCodeGenerationFailed  = "ERR_304_GENERATION_FAILED"
	ErrCodeResourceExhausted = "ERR_305_RESOURCE_EXHAUSTED"

	// Validation errors (400-499)
	ErrCodeInvalidRequest    = "ERR_401_INVALID_REQUEST"
	ErrCodeNotFound          = "ERR_402_NOT_FOUND"
	ErrCodeInvalidParameter  = "ERR_403_INVALID_PARAMETER"
	ErrCodeDimensionMismatch = "ERR_404_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_405_QUERY_EMPTY"
	ErrCodeMetadataInvalid   = "ERR_406_METADATA_INVALID"

	// Vector store errors (500-599)
	ErrCodeStoreLoad    = "ERR_501_STORE_LOAD_FAILED"
	ErrCodeStoreSave    = "ERR_502_STORE_SAVE_FAILED"
	ErrCodeStoreSearch  = "ERR_503_STORE_SEARCH_FAILED"
	ErrCodeStoreCorrupt = "ERR_504_STORE_CORRUPT"
	ErrCodeUntrained    = "ERR_505_INDEX_UNTRAINED"

	// Ingestion errors (600-699)
	ErrCodeIngestionFailed = "ERR_601_INGESTION_FAILED"
	ErrCodeChunkingFailed  = "ERR_602_CHUNKING_FAILED"
	ErrCodeNoProcessor     = "ERR_603_NO_PROCESSOR"
	ErrCodeEmptyContent    = "ERR_604_EMPTY_CONTENT"

	// Conversation errors (700-799)
	ErrCodeCheckpointFailed = "ERR_701_CHECKPOINT_FAILED"
	ErrCodeThreadUnknown    = "ERR_702_THREAD_UNKNOWN"
	ErrCodeThreadEnded      = "ERR_703_THREAD_ENDED"

	// Internal errors (900-999)
	ErrCodeInternal = "ERR_901_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	case '5':
		return CategoryStore
	case '6':
		return CategoryIngestion
	case '7':
		return CategoryConversation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDiskFull, ErrCodeStoreCorrupt:
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeDependencyDown, ErrCodeEmbeddingFailed:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error code to an HTTP-equivalent status for the
// external boundary. Unknown codes map to 500.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeNotFound, ErrCodeFileNotFound, ErrCodeThreadUnknown:
		return http.StatusNotFound
	case ErrCodeInvalidRequest, ErrCodeInvalidParameter, ErrCodeDimensionMismatch,
		ErrCodeQueryEmpty, ErrCodeMetadataInvalid, ErrCodeConfigInvalid:
		return http.StatusBadRequest
	case ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeDependencyDown:
		return http.StatusServiceUnavailable
	case ErrCodeResourceExhausted, ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
