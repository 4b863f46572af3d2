// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a Matrix error response from a remote server, or one this
// server sends. Callers can use errors.As to extract it:
//
//	var federationErr *Error
//	if errors.As(err, &federationErr) {
//	    if federationErr.Code == ErrCodeNotFound { ... }
//	}
type Error struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable description.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("federation: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrix error codes used on the federation API.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnauthorized  = "M_UNAUTHORIZED"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeBadJSON       = "M_BAD_JSON"
	ErrCodeNotJSON       = "M_NOT_JSON"
	ErrCodeTooLarge      = "M_TOO_LARGE"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsError checks whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var federationErr *Error
	if errors.As(err, &federationErr) {
		return federationErr.Code == code
	}
	return false
}

// ErrDestinationAbandoned is returned by Sender.Send for a destination
// that exhausted its retries and is inside its retry horizon.
var ErrDestinationAbandoned = errors.New("federation: destination abandoned")

func newError(status int, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), StatusCode: status}
}

// writeJSON writes value as a JSON response.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

// writeError writes err as a Matrix error response. Errors that are
// not an *Error become M_UNKNOWN with status 500.
func writeError(w http.ResponseWriter, err error) {
	var federationErr *Error
	if !errors.As(err, &federationErr) {
		federationErr = newError(http.StatusInternalServerError, ErrCodeUnknown, "internal error")
	}
	writeJSON(w, federationErr.StatusCode, federationErr)
}
