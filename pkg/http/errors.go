package http

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error that knows its HTTP status and client-facing code.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{Code: code, Field: field, Message: message, Status: status}
}

// WithError keeps the cause for logs. It is never serialized.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

func ConflictError(message string) *AppError {
	return NewAppError("ERR_CONFLICT", "", message, http.StatusConflict)
}

func UnavailableError(message string) *AppError {
	return NewAppError("ERR_UNAVAILABLE", "", message, http.StatusServiceUnavailable)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
