package contracts

import "fmt"

// Stable error codes recorded on runs and stage rows.
const (
	ErrCodeDocumentNotFound    = "DOCUMENT_NOT_FOUND"
	ErrCodeDocumentQuarantined = "DOCUMENT_QUARANTINED"
	ErrCodeOCREmpty            = "OCR_EMPTY"
	ErrCodeValidationInput     = "VALIDATION_INPUT_MISSING"
	ErrCodePersistInput        = "PERSIST_INPUT_MISSING"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeModelOOM            = "MODEL_OOM"
	ErrCodeRunCancelled        = "RUN_CANCELLED"
	ErrCodeRunTimeout          = "RUN_TIMEOUT"
	ErrCodeUnexpectedRuntime   = "UNEXPECTED_RUNTIME_ERROR"
	ErrCodeResultSchemaInvalid = "RESULT_SCHEMA_INVALID"
)

// StageTimeoutCode returns the timeout error code for a stage, e.g. OCR_TIMEOUT.
func StageTimeoutCode(stage string) string {
	switch stage {
	case StagePreprocess, StageOCR, StageExtract, StageValidate, StagePersist, StageExport:
		return stage + "_TIMEOUT"
	}
	return "STAGE_TIMEOUT"
}

// StageError carries the (code, retryable, detail) triple through the stage
// loop. Retryable errors are re-attempted up to the configured budget; the
// rest fail the run with the code.
type StageError struct {
	Code      string
	Retryable bool
	Detail    string
}

func (e *StageError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewStageError builds a StageError.
func NewStageError(code string, retryable bool, detail string) *StageError {
	return &StageError{Code: code, Retryable: retryable, Detail: detail}
}
