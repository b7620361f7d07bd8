package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a failure. Codes are stable and callers match on them.
type ErrorCode int

const (
	// Caller errors: returned as-is, never retried by the core.
	ErrDocumentAlreadyCreated ErrorCode = 130092
	ErrInvalidKey             ErrorCode = 130104
	ErrInvalidRequest         ErrorCode = 130116
	ErrWriteClosed            ErrorCode = 144416
	ErrReadClosed             ErrorCode = 144428
	ErrChannelNotFound        ErrorCode = 130128
	ErrDocumentNotFound       ErrorCode = 625676

	// Routing errors: the document lives on another machine.
	ErrWrongMachine ErrorCode = 144436

	// Transient infrastructure errors: a later access re-triggers discovery.
	ErrRestoreFailed ErrorCode = 144448
	ErrBindFailed    ErrorCode = 144460
	ErrFindFailed    ErrorCode = 144472
	ErrArchiveFailed ErrorCode = 144484

	// Catastrophic: memory and durable state may have diverged.
	ErrCatastrophicDocumentFailure ErrorCode = 950384

	// Pipeline stage failures.
	ErrFactoryFetchFailed    ErrorCode = 180236
	ErrConstructFailed       ErrorCode = 180248
	ErrLoadFailed            ErrorCode = 180260
	ErrTransactFailed        ErrorCode = 180272
	ErrDeployFailed          ErrorCode = 180284
	ErrServiceShutdown       ErrorCode = 180296
	ErrDataInitializeFailed  ErrorCode = 625688
	ErrDataPatchFailed       ErrorCode = 625700
	ErrDataGetFailed         ErrorCode = 625712
	ErrDataDeleteFailed      ErrorCode = 625724
	ErrUnexpectedTaskFailure ErrorCode = 999999
)

var codeNames = map[ErrorCode]string{
	ErrDocumentAlreadyCreated:      "DOCUMENT_ALREADY_CREATED",
	ErrInvalidKey:                  "INVALID_KEY",
	ErrInvalidRequest:              "INVALID_REQUEST",
	ErrWriteClosed:                 "WRITE_CLOSED",
	ErrReadClosed:                  "READ_CLOSED",
	ErrChannelNotFound:             "CHANNEL_NOT_FOUND",
	ErrDocumentNotFound:            "DOCUMENT_NOT_FOUND",
	ErrWrongMachine:                "WRONG_MACHINE",
	ErrRestoreFailed:               "RESTORE_FAILED",
	ErrBindFailed:                  "BIND_FAILED",
	ErrFindFailed:                  "FIND_FAILED",
	ErrArchiveFailed:               "ARCHIVE_FAILED",
	ErrCatastrophicDocumentFailure: "CATASTROPHIC_DOCUMENT_FAILURE",
	ErrFactoryFetchFailed:          "FACTORY_FETCH_FAILED",
	ErrConstructFailed:             "CONSTRUCT_FAILED",
	ErrLoadFailed:                  "LOAD_FAILED",
	ErrTransactFailed:              "TRANSACT_FAILED",
	ErrDeployFailed:                "DEPLOY_FAILED",
	ErrServiceShutdown:             "SERVICE_SHUTDOWN",
	ErrDataInitializeFailed:        "DATA_INITIALIZE_FAILED",
	ErrDataPatchFailed:             "DATA_PATCH_FAILED",
	ErrDataGetFailed:               "DATA_GET_FAILED",
	ErrDataDeleteFailed:            "DATA_DELETE_FAILED",
	ErrUnexpectedTaskFailure:       "UNEXPECTED_TASK_FAILURE",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("E%d", int(c))
}

// Retryable reports whether a later attempt of the same operation may succeed
// without the caller changing anything.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrRestoreFailed, ErrBindFailed, ErrFindFailed, ErrArchiveFailed:
		return true
	}
	return false
}

// CodedError is the error type that crosses shard and package boundaries.
type CodedError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the affected document, when known.
	Key *Key

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Key != nil {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("E%d: %s: %v", int(e.Code), msg, e.Err)
	}
	return fmt.Sprintf("E%d: %s", int(e.Code), msg)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// NewCodedError creates a CodedError without a cause.
func NewCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// WrapError attaches a code to an underlying cause.
func WrapError(code ErrorCode, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// KeyError creates a CodedError about a specific document.
func KeyError(code ErrorCode, key Key, err error) *CodedError {
	return &CodedError{Code: code, Key: &key, Err: err}
}

// DetectOrWrap keeps an existing code somewhere in err's chain, otherwise
// wraps err under code.
func DetectOrWrap(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return err
	}
	return WrapError(code, code.String(), err)
}

// CodeOf returns the first code in err's chain and whether one was found.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	c, ok := CodeOf(err)
	return ok && c.Retryable()
}
