package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode stable machine readable error code surfaced to API callers
type ErrorCode string

// Error taxonomy. Each core component returns its own variant; the HTTP
// adapter maps codes to status codes.
const (
	ErrCodeBadRequest           ErrorCode = "BadRequest"
	ErrCodePayloadTooLarge      ErrorCode = "PayloadTooLarge"
	ErrCodeInsufficientRole     ErrorCode = "InsufficientRole"
	ErrCodeRecordingNotFound    ErrorCode = "RecordingNotFound"
	ErrCodeChannelNotFound      ErrorCode = "ChannelNotFound"
	ErrCodeChannelUnreachable   ErrorCode = "ChannelUnreachable"
	ErrCodeArtifactMissing      ErrorCode = "ArtifactMissing"
	ErrCodeNoSpace              ErrorCode = "NoSpace"
	ErrCodeStorageError         ErrorCode = "StorageError"
	ErrCodeConflictingName      ErrorCode = "ConflictingName"
	ErrCodeKeyUnavailable       ErrorCode = "KeyUnavailable"
	ErrCodeMalformedPayload     ErrorCode = "MalformedPayload"
	ErrCodeEncryptionFailed     ErrorCode = "EncryptionFailed"
	ErrCodeMetadataError        ErrorCode = "MetadataError"
	ErrCodeTranscodeFailed      ErrorCode = "TranscodeFailed"
	ErrCodeThumbnailUnavailable ErrorCode = "ThumbnailUnavailable"
	ErrCodeRangeNotSupported    ErrorCode = "RangeNotSupportedForCiphertext"
	ErrCodeHoldBlocksDeletion   ErrorCode = "HoldBlocksDeletion"
)

// Error a typed domain error carrying a stable machine code
type Error struct {
	// Code stable machine code
	Code ErrorCode
	// Message human readable detail
	Message string
	// Cause wrapped lower level error
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap support errors.Is / errors.As chains
func (e *Error) Unwrap() error {
	return e.Cause
}

/*
NewError define a new domain error

	@param code ErrorCode - stable machine code
	@param message string - human readable detail
	@returns new error
*/
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

/*
WrapError wrap a lower level error with a domain error

	@param code ErrorCode - stable machine code
	@param message string - human readable detail
	@param cause error - wrapped error
	@returns new error
*/
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

/*
CodeOf extract the machine code from an error chain

	@param err error - error to inspect
	@returns the machine code, or empty if the chain carries none
*/
func CodeOf(err error) ErrorCode {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// errorStatusTable maps machine codes to HTTP status codes per the
// published error contract.
var errorStatusTable = map[ErrorCode]int{
	ErrCodeBadRequest:           http.StatusBadRequest,
	ErrCodePayloadTooLarge:      http.StatusRequestEntityTooLarge,
	ErrCodeInsufficientRole:     http.StatusForbidden,
	ErrCodeRecordingNotFound:    http.StatusNotFound,
	ErrCodeChannelNotFound:      http.StatusNotFound,
	ErrCodeChannelUnreachable:   http.StatusBadGateway,
	ErrCodeArtifactMissing:      http.StatusNotFound,
	ErrCodeNoSpace:              http.StatusInsufficientStorage,
	ErrCodeStorageError:         http.StatusInternalServerError,
	ErrCodeConflictingName:      http.StatusInternalServerError,
	ErrCodeKeyUnavailable:       http.StatusForbidden,
	ErrCodeMalformedPayload:     http.StatusInternalServerError,
	ErrCodeEncryptionFailed:     http.StatusInternalServerError,
	ErrCodeMetadataError:        http.StatusInternalServerError,
	ErrCodeTranscodeFailed:      http.StatusInternalServerError,
	ErrCodeThumbnailUnavailable: http.StatusNotFound,
	ErrCodeRangeNotSupported:    http.StatusRequestedRangeNotSatisfiable,
	ErrCodeHoldBlocksDeletion:   http.StatusConflict,
}

/*
HTTPStatusOf map an error chain to a HTTP status code

	@param err error - error to inspect
	@returns the HTTP status code for the error's machine code
*/
func HTTPStatusOf(err error) int {
	if code := CodeOf(err); code != "" {
		if status, ok := errorStatusTable[code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}
